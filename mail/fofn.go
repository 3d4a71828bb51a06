package mail

import (
	"bytes"

	"github.com/klauspost/compress/gzip"
)

// Attachment is a file attached to a message
type Attachment struct {
	Filename string
	MIME     string
	Data     []byte
}

// GzippedFOFN builds a gzipped file-of-filenames attachment. Summary
// e-mails list only a handful of paths inline; the full list rides
// along as one of these.
func GzippedFOFN(filename string, paths []string) (*Attachment, error) {
	var buf bytes.Buffer

	gz := gzip.NewWriter(&buf)
	for _, path := range paths {
		if _, err := gz.Write(append([]byte(path), '\n')); err != nil {
			return nil, err
		}
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}

	return &Attachment{
		Filename: filename,
		MIME:     "application/gzip",
		Data:     buf.Bytes(),
	}, nil
}
