package export

import (
	"crypto/rsa"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"formexport/internal/decrypt"
	"formexport/internal/parser/xml"
)

// ValidationStatus is the signature verdict for an encrypted submission.
type ValidationStatus string

const (
	NotValidated ValidationStatus = "NOT_VALIDATED"
	Valid        ValidationStatus = "VALID"
	NotValid     ValidationStatus = "NOT_VALID"
)

// Metadata is the submission envelope data read from the instance root.
type Metadata struct {
	InstanceID     string
	SubmissionDate time.Time
	HasDate        bool

	// Encrypted-form envelope fields; empty on plaintext submissions.
	EncryptedKey       string   // base64 RSA-wrapped symmetric key
	EncryptedSignature string   // base64 RSA-encrypted signature
	MediaNames         []string // declared media files, in declared order
	EncryptedFile      string   // declared encrypted submission payload name
}

// submissionDateLayouts are tried in order when reading @submissionDate.
var submissionDateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
}

// ReadMetadata extracts envelope metadata from a parsed submission root.
// The instance id may live on the root attribute or under meta/instanceID.
func ReadMetadata(root xml.Element) Metadata {
	m := Metadata{
		InstanceID: root.Attr("instanceID"),
	}
	if m.InstanceID == "" {
		if el, ok := root.FindPath([]string{"meta", "instanceID"}); ok {
			m.InstanceID = el.Value()
		}
	}

	if raw := root.Attr("submissionDate"); raw != "" {
		for _, layout := range submissionDateLayouts {
			if t, err := time.Parse(layout, raw); err == nil {
				m.SubmissionDate = t
				m.HasDate = true
				break
			}
		}
	}

	if el, ok := root.Child("base64EncryptedKey"); ok {
		m.EncryptedKey = el.Value()
	}
	if el, ok := root.Child("base64EncryptedElementSignature"); ok {
		m.EncryptedSignature = el.Value()
	}
	if el, ok := root.Child("encryptedXmlFile"); ok {
		m.EncryptedFile = el.Value()
	}
	for _, media := range root.Children("media") {
		for _, f := range media.Children("file") {
			if v := f.Value(); v != "" {
				m.MediaNames = append(m.MediaNames, v)
			}
		}
	}
	return m
}

// Submission is one parsed instance plus derived crypto state. For encrypted
// forms Root is replaced by the decrypted document and WorkingDir points at a
// pipeline-owned temporary directory.
type Submission struct {
	Path       string // the submission.xml path
	WorkingDir string
	Root       xml.Element
	Meta       Metadata
	Cipher     *decrypt.Factory
	Signature  []byte
	Validation ValidationStatus

	ownsWorkingDir bool
	key            string
}

// Key is the row KEY: the instance id, or a synthesized uuid:<generated> when
// the instance carries none. Stable per submission.
func (s *Submission) Key() string {
	if s.key == "" {
		if s.Meta.InstanceID != "" {
			s.key = s.Meta.InstanceID
		} else {
			s.key = "uuid:" + uuid.NewString()
		}
	}
	return s.key
}

// InstanceDir is the directory holding the submission and its media.
func (s *Submission) InstanceDir() string { return filepath.Dir(s.Path) }

// Release removes the temporary working directory, if this submission owns
// one. Safe to call more than once.
func (s *Submission) Release() {
	if s.ownsWorkingDir && s.WorkingDir != "" {
		os.RemoveAll(s.WorkingDir)
		s.WorkingDir = ""
	}
}

// skipError marks a submission-level failure the pipeline recovers from by
// counting a skip and moving on.
type skipError struct {
	reason string
	err    error
}

func (e *skipError) Error() string {
	if e.err == nil {
		return e.reason
	}
	return fmt.Sprintf("%s: %v", e.reason, e.err)
}

func (e *skipError) Unwrap() error { return e.err }

// parseSubmission builds a Submission from a submission.xml path, decrypting
// and validating it when the form is encrypted. Failures return *skipError.
func parseSubmission(path string, encrypted bool, priv *rsa.PrivateKey, cache *docCache, formID, formVersion string) (*Submission, error) {
	root, ok := cache.get(path)
	if !ok {
		parsed, err := xml.ParseFile(path)
		if err != nil {
			return nil, &skipError{reason: "parse submission", err: err}
		}
		root = parsed
	}

	sub := &Submission{
		Path:       path,
		WorkingDir: filepath.Dir(path),
		Root:       root,
		Meta:       ReadMetadata(root),
		Validation: NotValidated,
	}
	if !encrypted {
		return sub, nil
	}

	if priv == nil {
		return nil, &skipError{reason: "form is encrypted and no private key is configured"}
	}
	if sub.Meta.InstanceID == "" || sub.Meta.EncryptedKey == "" || sub.Meta.EncryptedFile == "" {
		return nil, &skipError{reason: "incomplete encrypted envelope"}
	}

	factory, err := decrypt.NewFactory(sub.Meta.InstanceID, sub.Meta.EncryptedKey, priv)
	if err != nil {
		return nil, &skipError{reason: "prepare ciphers", err: err}
	}
	sub.Cipher = factory

	if sub.Meta.EncryptedSignature != "" {
		sig, err := decrypt.Signature(sub.Meta.EncryptedSignature, priv)
		if err != nil {
			return nil, &skipError{reason: "decrypt signature", err: err}
		}
		sub.Signature = sig
	}

	workingDir, err := os.MkdirTemp("", "formexport-")
	if err != nil {
		return nil, &skipError{reason: "create working dir", err: err}
	}
	sub.WorkingDir = workingDir
	sub.ownsWorkingDir = true

	if err := decryptSubmission(sub, formID, formVersion); err != nil {
		sub.Release()
		return nil, err
	}
	return sub, nil
}

// decryptSubmission decrypts declared media then the payload, replaces the
// submission root with the decrypted document, and settles the validation
// status against the signature.
func decryptSubmission(sub *Submission, formID, formVersion string) error {
	instanceDir := sub.InstanceDir()

	// Every declared media file must be present before any cipher is used:
	// the IV schedule is positional, so a gap would corrupt everything after
	// it anyway.
	encMedia := make([]string, 0, len(sub.Meta.MediaNames))
	for _, name := range sub.Meta.MediaNames {
		p := filepath.Join(instanceDir, name)
		if _, err := os.Stat(p); err != nil {
			return &skipError{reason: "missing media", err: &decrypt.Error{Kind: decrypt.KindMissingMedia, Path: p}}
		}
		encMedia = append(encMedia, p)
	}

	var mediaDigests []decrypt.NamedDigest
	for _, encPath := range encMedia {
		stream, err := sub.Cipher.Next()
		if err != nil {
			return &skipError{reason: "media cipher", err: err}
		}
		plainPath, err := decrypt.File(encPath, sub.WorkingDir, stream)
		if err != nil {
			return &skipError{reason: "decrypt media", err: err}
		}
		digest, err := decrypt.FileMD5(plainPath)
		if err != nil {
			return &skipError{reason: "hash media", err: err}
		}
		mediaDigests = append(mediaDigests, decrypt.NamedDigest{
			Name: filepath.Base(plainPath),
			MD5:  digest,
		})
	}

	stream, err := sub.Cipher.Next()
	if err != nil {
		return &skipError{reason: "submission cipher", err: err}
	}
	encSubmission := filepath.Join(instanceDir, sub.Meta.EncryptedFile)
	plainSubmission, err := decrypt.File(encSubmission, sub.WorkingDir, stream)
	if err != nil {
		return &skipError{reason: "decrypt submission", err: err}
	}

	decryptedRoot, err := xml.ParseFile(plainSubmission)
	if err != nil {
		return &skipError{reason: "parse decrypted submission", err: err}
	}
	sub.Root = decryptedRoot

	if sub.Signature == nil {
		return nil
	}
	subDigest, err := decrypt.FileMD5(plainSubmission)
	if err != nil {
		return &skipError{reason: "hash decrypted submission", err: err}
	}
	input := decrypt.BuildSignatureInput(
		formID,
		formVersion,
		sub.Cipher.Key(),
		sub.Meta.InstanceID,
		mediaDigests,
		decrypt.NamedDigest{Name: filepath.Base(plainSubmission), MD5: subDigest},
	)
	if decrypt.ValidateSignature(input, sub.Signature) {
		sub.Validation = Valid
	} else {
		sub.Validation = NotValid
	}
	return nil
}

// readSubmissionDate briefly parses a submission file for its date, caching
// the parsed document for the full parse later in the pass.
func readSubmissionDate(path string, cache *docCache) (time.Time, bool) {
	root, err := xml.ParseFile(path)
	if err != nil {
		return time.Time{}, false
	}
	cache.put(path, root)
	meta := ReadMetadata(root)
	return meta.SubmissionDate, meta.HasDate
}
