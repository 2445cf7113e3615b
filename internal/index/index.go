// Package index parses the published channel and version index documents
// and resolves the cheapest upgrade path from the device's current build to
// the newest eligible build.
package index

import (
	"encoding/json"
	"slices"
	"strings"
	"time"

	"github.com/keithlinneman/otaclient/internal/xerrors"
)

// ImageType distinguishes self-contained images from incremental ones.
type ImageType string

const (
	Full  ImageType = "full"
	Delta ImageType = "delta"
)

// FileRef is one artifact within an image, in published order.
type FileRef struct {
	Path      string `json:"path"`
	Signature string `json:"signature"`
	Checksum  string `json:"checksum"`
	Size      int64  `json:"size"`
	Order     int    `json:"order"`
}

// Image is one index entry. A full image installs from any prior build at
// or above MinVersion; a delta applies only on top of Base.
type Image struct {
	Type       ImageType
	Version    int
	Base       int
	MinVersion int
	BootMe     bool
	Files      []FileRef

	// Descriptions maps locale tag to human text. The unsuffixed
	// "description" key is stored under "en".
	Descriptions map[string]string
}

// imageJSON is the wire shape; descriptions are flattened into the image
// object as "description" plus "description-<locale>" keys.
type imageJSON struct {
	Type       ImageType `json:"type"`
	Version    int       `json:"version"`
	Base       int       `json:"base"`
	MinVersion int       `json:"minversion"`
	BootMe     bool      `json:"bootme"`
	Files      []FileRef `json:"files"`
}

func (im *Image) UnmarshalJSON(data []byte) error {
	var wire imageJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	im.Type = wire.Type
	im.Version = wire.Version
	im.Base = wire.Base
	im.MinVersion = wire.MinVersion
	im.BootMe = wire.BootMe
	im.Files = wire.Files
	for key, val := range raw {
		locale := ""
		switch {
		case key == "description":
			locale = "en"
		case strings.HasPrefix(key, "description-"):
			locale = strings.TrimPrefix(key, "description-")
		default:
			continue
		}
		var text string
		if err := json.Unmarshal(val, &text); err != nil {
			return err
		}
		if im.Descriptions == nil {
			im.Descriptions = make(map[string]string)
		}
		im.Descriptions[locale] = text
	}
	return nil
}

// SortedFiles returns the image's files ordered by their published Order
// field. The installer consumes files in exactly this order.
func (im *Image) SortedFiles() []FileRef {
	files := slices.Clone(im.Files)
	slices.SortStableFunc(files, func(a, b FileRef) int { return a.Order - b.Order })
	return files
}

// Size is the total download size of the image.
func (im *Image) Size() int64 {
	var total int64
	for _, f := range im.Files {
		total += f.Size
	}
	return total
}

// Index is a parsed version index for one channel/device pair.
type Index struct {
	GeneratedAt time.Time
	Images      []Image
}

// The index timestamp format. Timestamps must be UTC; anything else is a
// publisher error.
const generatedAtFormat = "Mon Jan 02 15:04:05 UTC 2006"

type indexJSON struct {
	Global struct {
		GeneratedAt string `json:"generated_at"`
	} `json:"global"`
	Images []Image `json:"images"`
}

// Parse decodes a version index document.
func Parse(data []byte) (*Index, error) {
	var wire indexJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, xerrors.Wrap(err, "parse index")
	}
	if !slices.Contains(strings.Fields(wire.Global.GeneratedAt), "UTC") {
		return nil, xerrors.Newf("index generated_at %q is not UTC", wire.Global.GeneratedAt)
	}
	generatedAt, err := time.Parse(generatedAtFormat, wire.Global.GeneratedAt)
	if err != nil {
		return nil, xerrors.Wrap(err, "parse index generated_at")
	}
	for i := range wire.Images {
		im := &wire.Images[i]
		switch im.Type {
		case Full, Delta:
		default:
			return nil, xerrors.Newf("index image %d has unknown type %q", i, im.Type)
		}
		if im.Type == Delta && im.Base == 0 {
			return nil, xerrors.Newf("delta image %d has no base build", im.Version)
		}
	}
	return &Index{GeneratedAt: generatedAt.UTC(), Images: wire.Images}, nil
}
