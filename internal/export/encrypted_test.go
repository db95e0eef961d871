package export

import (
	"context"
	"crypto/aes"
	stdcipher "crypto/cipher"
	"crypto/md5"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"formexport/internal/config"
	"formexport/internal/form"
	"formexport/internal/model"
)

// fixtureEncryptor reproduces the collection-side packaging: AES-256-CFB with
// PKCS5 padding and the low-byte IV schedule.
type fixtureEncryptor struct {
	key  []byte
	seed [md5.Size]byte
}

func newFixtureEncryptor(instanceID string, key []byte) *fixtureEncryptor {
	e := &fixtureEncryptor{key: key}
	h := md5.New()
	h.Write([]byte(instanceID))
	h.Write(key)
	copy(e.seed[:], h.Sum(nil))
	return e
}

func (e *fixtureEncryptor) encrypt(t *testing.T, plain []byte) []byte {
	t.Helper()
	e.seed[len(e.seed)-1]++
	iv := make([]byte, aes.BlockSize)
	copy(iv, e.seed[:])

	block, err := aes.NewCipher(e.key)
	require.NoError(t, err)

	pad := aes.BlockSize - len(plain)%aes.BlockSize
	padded := append(append([]byte(nil), plain...), make([]byte, pad)...)
	for i := len(plain); i < len(padded); i++ {
		padded[i] = byte(pad)
	}

	out := make([]byte, len(padded))
	stdcipher.NewCFBEncrypter(block, iv).XORKeyStream(out, padded)
	return out
}

type namedMedia struct {
	name    string // plaintext name, e.g. photo.jpg
	content []byte
}

type encInstance struct {
	instanceID     string
	submissionDate string
	plainSub       []byte
	media          []namedMedia

	omitMediaFile bool // declare media but do not write the ciphertext
	tamperSig     bool
}

// writeEncryptedInstance packages one encrypted instance dir the way the
// collection side does and returns nothing; the exporter must undo it all.
func writeEncryptedInstance(t *testing.T, def *form.Definition, priv *rsa.PrivateKey, symKey []byte, dirName string, in encInstance) {
	t.Helper()
	dir := filepath.Join(def.FormDir, "instances", dirName)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	enc := newFixtureEncryptor(in.instanceID, symKey)

	var mediaDecl, sigParts []string
	sigParts = append(sigParts, def.FormID)
	if def.FormVersion != "" {
		sigParts = append(sigParts, def.FormVersion)
	}
	sigParts = append(sigParts, base64.StdEncoding.EncodeToString(symKey), in.instanceID)

	for _, m := range in.media {
		encName := m.name + ".enc"
		mediaDecl = append(mediaDecl, encName)
		ciphertext := enc.encrypt(t, m.content)
		if !in.omitMediaFile {
			require.NoError(t, os.WriteFile(filepath.Join(dir, encName), ciphertext, 0o644))
		}
		digest := md5.Sum(m.content)
		sigParts = append(sigParts, m.name+"::"+base64.StdEncoding.EncodeToString(digest[:]))
	}

	require.NoError(t, os.WriteFile(filepath.Join(dir, "submission.xml.enc"), enc.encrypt(t, in.plainSub), 0o644))
	subDigest := md5.Sum(in.plainSub)
	sigParts = append(sigParts, "submission.xml::"+base64.StdEncoding.EncodeToString(subDigest[:]))

	sigInput := strings.Join(sigParts, "\n") + "\n"
	if in.tamperSig {
		sigInput += "tampered"
	}
	digest := md5.Sum([]byte(sigInput))
	encSig, err := rsa.EncryptPKCS1v15(rand.Reader, &priv.PublicKey, digest[:])
	require.NoError(t, err)

	wrappedKey, err := rsa.EncryptPKCS1v15(rand.Reader, &priv.PublicKey, symKey)
	require.NoError(t, err)

	var b strings.Builder
	b.WriteString(`<data xmlns="http://example.org/submissions" id="` + def.FormID + `"`)
	if def.FormVersion != "" {
		b.WriteString(` version="` + def.FormVersion + `"`)
	}
	b.WriteString(` encrypted="yes" instanceID="` + in.instanceID + `"`)
	if in.submissionDate != "" {
		b.WriteString(` submissionDate="` + in.submissionDate + `"`)
	}
	b.WriteString(">\n")
	b.WriteString("  <base64EncryptedKey>" + base64.StdEncoding.EncodeToString(wrappedKey) + "</base64EncryptedKey>\n")
	for _, name := range mediaDecl {
		b.WriteString("  <media><file>" + name + "</file></media>\n")
	}
	b.WriteString("  <encryptedXmlFile>submission.xml.enc</encryptedXmlFile>\n")
	b.WriteString("  <base64EncryptedElementSignature>" + base64.StdEncoding.EncodeToString(encSig) + "</base64EncryptedElementSignature>\n")
	b.WriteString("</data>\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "submission.xml"), []byte(b.String()), 0o644))
}

func encryptedDef(t *testing.T) (*form.Definition, *rsa.PrivateKey, []byte) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	symKey := make([]byte, 32)
	_, err = rand.Read(symKey)
	require.NoError(t, err)

	def := &form.Definition{
		FormID:      "secure",
		FormName:    "secure",
		IsEncrypted: true,
		FormDir:     t.TempDir(),
		Model: model.NewRoot("data").Add(
			model.NewField("name", model.TypeString),
			model.NewField("photo", model.TypeBinary),
		).Seal(),
	}
	return def, priv, symKey
}

func TestExportEncryptedRoundTrip(t *testing.T) {
	def, priv, symKey := encryptedDef(t)
	mediaBytes := []byte("not really a jpeg, but faithful bytes")

	writeEncryptedInstance(t, def, priv, symKey, "uuid-1", encInstance{
		instanceID:     "uuid:enc-1",
		submissionDate: "2020-03-01T10:00:00.000Z",
		plainSub: []byte(`<data id="secure" instanceID="uuid:enc-1">
  <name>secret name</name>
  <photo>photo.jpg</photo>
</data>`),
		media: []namedMedia{{name: "photo.jpg", content: mediaBytes}},
	})

	exportDir := t.TempDir()
	mediaDir := filepath.Join(exportDir, "media")
	p := &Pipeline{Sink: &CollectingSink{}}
	outcome, err := p.Export(context.Background(), def, config.ExportConfiguration{
		ExportDir:       exportDir,
		PrivateKey:      priv,
		ExportMedia:     true,
		ExportMediaPath: mediaDir,
	})
	require.NoError(t, err)
	assert.Equal(t, AllExported, outcome)

	lines := readLines(t, filepath.Join(exportDir, "secure.csv"))
	require.Len(t, lines, 2)
	assert.Equal(t, "SubmissionDate,name,photo,KEY,isValidated", lines[0])
	assert.Contains(t, lines[1], `"secret name"`)
	assert.Contains(t, lines[1], `"photo.jpg"`)
	assert.Contains(t, lines[1], "uuid:enc-1")
	assert.True(t, strings.HasSuffix(lines[1], ",True"), lines[1])

	// The exported media equals the original plaintext fixture.
	got, err := os.ReadFile(filepath.Join(mediaDir, "photo.jpg"))
	require.NoError(t, err)
	assert.Equal(t, mediaBytes, got)
}

func TestExportEncryptedMissingMediaSkips(t *testing.T) {
	def, priv, symKey := encryptedDef(t)

	writeEncryptedInstance(t, def, priv, symKey, "uuid-1", encInstance{
		instanceID:    "uuid:enc-1",
		plainSub:      []byte(`<data id="secure" instanceID="uuid:enc-1"><name>x</name></data>`),
		media:         []namedMedia{{name: "photo.jpg", content: []byte("bytes")}},
		omitMediaFile: true,
	})

	exportDir := t.TempDir()
	p := &Pipeline{Sink: &CollectingSink{}}
	outcome, err := p.Export(context.Background(), def, config.ExportConfiguration{
		ExportDir:  exportDir,
		PrivateKey: priv,
	})
	require.NoError(t, err)
	assert.Equal(t, AllSkipped, outcome)

	lines := readLines(t, filepath.Join(exportDir, "secure.csv"))
	assert.Len(t, lines, 1)
}

func TestExportEncryptedSignatureMismatchStillEmitsRow(t *testing.T) {
	def, priv, symKey := encryptedDef(t)

	writeEncryptedInstance(t, def, priv, symKey, "uuid-1", encInstance{
		instanceID: "uuid:enc-1",
		plainSub:   []byte(`<data id="secure" instanceID="uuid:enc-1"><name>x</name></data>`),
		tamperSig:  true,
	})

	exportDir := t.TempDir()
	p := &Pipeline{Sink: &CollectingSink{}}
	outcome, err := p.Export(context.Background(), def, config.ExportConfiguration{
		ExportDir:  exportDir,
		PrivateKey: priv,
	})
	require.NoError(t, err)
	assert.Equal(t, AllExported, outcome)

	lines := readLines(t, filepath.Join(exportDir, "secure.csv"))
	require.Len(t, lines, 2)
	assert.True(t, strings.HasSuffix(lines[1], ",False"), lines[1])
}

func TestExportEncryptedWithoutKeyAborts(t *testing.T) {
	def, priv, symKey := encryptedDef(t)

	writeEncryptedInstance(t, def, priv, symKey, "uuid-1", encInstance{
		instanceID: "uuid:enc-1",
		plainSub:   []byte(`<data id="secure" instanceID="uuid:enc-1"><name>x</name></data>`),
	})

	// No private key configured: validation refuses to start the export.
	p := &Pipeline{Sink: &CollectingSink{}}
	_, err := p.Export(context.Background(), def, config.ExportConfiguration{ExportDir: t.TempDir()})
	assert.Error(t, err)
}

func TestExportEncryptedTempDirsRemoved(t *testing.T) {
	def, priv, symKey := encryptedDef(t)

	writeEncryptedInstance(t, def, priv, symKey, "uuid-1", encInstance{
		instanceID: "uuid:enc-1",
		plainSub:   []byte(`<data id="secure" instanceID="uuid:enc-1"><name>x</name></data>`),
	})

	before := countTempDirs(t)
	p := &Pipeline{Sink: &CollectingSink{}}
	_, err := p.Export(context.Background(), def, config.ExportConfiguration{
		ExportDir:  t.TempDir(),
		PrivateKey: priv,
	})
	require.NoError(t, err)
	assert.Equal(t, before, countTempDirs(t))
}

func countTempDirs(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir(os.TempDir())
	require.NoError(t, err)
	n := 0
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "formexport-") {
			n++
		}
	}
	return n
}

func TestMediaCollisionSuffix(t *testing.T) {
	def := simpleDef(t)
	def.Model = model.NewRoot("data").Add(
		model.NewField("pic", model.TypeBinary),
	).Seal()

	for i, id := range []string{"a", "b"} {
		dir := filepath.Join(def.FormDir, "instances", "uuid-"+id)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "submission.xml"),
			[]byte(`<data id="simple" instanceID="uuid:`+id+`" submissionDate="2020-01-0`+string(rune('1'+i))+`T00:00:00.000Z"><pic>pic.jpg</pic></data>`), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "pic.jpg"), []byte("img-"+id), 0o644))
	}

	exportDir := t.TempDir()
	mediaDir := filepath.Join(exportDir, "m")
	outcome, _ := runExport(t, def, config.ExportConfiguration{
		ExportDir:       exportDir,
		ExportMedia:     true,
		ExportMediaPath: mediaDir,
	})
	assert.Equal(t, AllExported, outcome)

	first, err := os.ReadFile(filepath.Join(mediaDir, "pic.jpg"))
	require.NoError(t, err)
	second, err := os.ReadFile(filepath.Join(mediaDir, "pic-2.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "img-a", string(first))
	assert.Equal(t, "img-b", string(second))

	lines := readLines(t, filepath.Join(exportDir, "simple.csv"))
	require.Len(t, lines, 3)
	assert.Contains(t, lines[1], `"pic.jpg"`)
	assert.Contains(t, lines[2], `"pic-2.jpg"`)
}
