package shadow

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/laserguidance/targeting/pkg/core"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Encode marshals a shadow document.
func Encode(doc core.ShadowDocument) ([]byte, error) {
	return json.Marshal(doc)
}

// Decode unmarshals a shadow document. An empty payload decodes to the zero document.
func Decode(payload []byte) (core.ShadowDocument, error) {
	var doc core.ShadowDocument
	if len(payload) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return doc, fmt.Errorf("decode shadow document: %w", err)
	}
	return doc, nil
}

// EncodeError marshals a rejection body.
func EncodeError(e core.ShadowError) ([]byte, error) {
	return json.Marshal(e)
}

// DecodeError unmarshals a rejection body.
func DecodeError(payload []byte) (core.ShadowError, error) {
	var e core.ShadowError
	if err := json.Unmarshal(payload, &e); err != nil {
		return e, fmt.Errorf("decode shadow error: %w", err)
	}
	return e, nil
}

// clientToken extracts the correlation token from any shadow payload.
func clientToken(payload []byte) string {
	return json.Get(payload, "clientToken").ToString()
}
