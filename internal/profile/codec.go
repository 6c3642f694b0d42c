package profile

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/yaml.v3"
)

// Codec serialises records for one file format.
type Codec interface {
	Ext() string
	Marshal(r *Record) ([]byte, error)
	Unmarshal(data []byte, r *Record) error
}

type jsonCodec struct{}

func (jsonCodec) Ext() string { return ".json" }

func (jsonCodec) Marshal(r *Record) ([]byte, error) { return json.MarshalIndent(r, "", "  ") }

func (jsonCodec) Unmarshal(data []byte, r *Record) error { return json.Unmarshal(data, r) }

type yamlCodec struct{}

func (yamlCodec) Ext() string { return ".yaml" }

func (yamlCodec) Marshal(r *Record) ([]byte, error) { return yaml.Marshal(r) }

func (yamlCodec) Unmarshal(data []byte, r *Record) error { return yaml.Unmarshal(data, r) }

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("profile: cbor encoder mode: %v", err))
	}
	cborDec, err = cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		IndefLength: cbor.IndefLengthAllowed,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("profile: cbor decoder mode: %v", err))
	}
}

type cborCodec struct{}

func (cborCodec) Ext() string { return ".cbor" }

func (cborCodec) Marshal(r *Record) ([]byte, error) { return cborEnc.Marshal(r) }

func (cborCodec) Unmarshal(data []byte, r *Record) error { return cborDec.Unmarshal(data, r) }

var codecs = map[string]Codec{
	".json": jsonCodec{},
	".yaml": yamlCodec{},
	".yml":  yamlCodec{},
	".cbor": cborCodec{},
}

// CodecFor returns the codec for a file name or a bare format name such as
// "yaml".
func CodecFor(name string) (Codec, error) {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		ext = "." + strings.ToLower(name)
	}
	c, ok := codecs[ext]
	if !ok {
		return nil, fmt.Errorf("profile: unsupported format %q", name)
	}
	return c, nil
}
