package trust

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"io"
	"path"
)

const (
	// maxKeyringArchive bounds the compressed keyring archive; keyrings
	// are a handful of keys, never megabytes.
	maxKeyringArchive = 1 << 20

	// maxKeyringJSON bounds the extracted keyring.json.
	maxKeyringJSON = 1 << 20
)

// extractKeyringJSON pulls keyring.json out of a .tar.gz keyring archive.
// Extraction happens fully in memory; nothing touches disk until the
// archive has been verified and accepted.
func extractKeyringJSON(archive []byte) ([]byte, error) {
	if len(archive) > maxKeyringArchive {
		return nil, errf(KindMalformed, "keyring archive is %d bytes, limit %d", len(archive), maxKeyringArchive)
	}
	gr, err := gzip.NewReader(bytes.NewReader(archive))
	if err != nil {
		return nil, wrapf(KindMalformed, err, "open keyring archive gzip")
	}
	defer gr.Close()

	tr := tar.NewReader(gr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, wrapf(KindMalformed, err, "read keyring archive")
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if path.Clean(hdr.Name) != "keyring.json" {
			continue
		}
		if hdr.Size > maxKeyringJSON {
			return nil, errf(KindMalformed, "keyring.json is %d bytes, limit %d", hdr.Size, maxKeyringJSON)
		}
		data, err := io.ReadAll(io.LimitReader(tr, maxKeyringJSON+1))
		if err != nil {
			return nil, wrapf(KindMalformed, err, "read keyring.json")
		}
		if int64(len(data)) > maxKeyringJSON {
			return nil, errf(KindMalformed, "keyring.json exceeds limit after read")
		}
		return data, nil
	}
	return nil, errf(KindMalformed, "keyring archive has no keyring.json")
}
