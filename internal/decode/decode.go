// Package decode provides a development/test-friendly
// model.VectorDecoder: a JSON array of model.WireAttackVector, per the
// allowance vector.go's own doc comment makes ("tests and local
// development can use a JSON-backed decoder"). Decoding the real
// upstream Avro batch envelope is an external collaborator (spec.md
// section 1) this repo only consumes through the VectorDecoder
// interface; no Avro library appears anywhere in the retrieved corpus
// to ground a production implementation on (see DESIGN.md), so this
// package is the stand-in wired at the CLI layer by default.
package decode

import (
	"encoding/json"
	"fmt"

	"github.com/caida/rsdos-crawler/internal/model"
)

// JSON decodes a batch as a JSON array of model.WireAttackVector.
type JSON struct{}

func (JSON) Decode(batch []byte) ([]model.WireAttackVector, error) {
	var vectors []model.WireAttackVector
	if err := json.Unmarshal(batch, &vectors); err != nil {
		return nil, fmt.Errorf("decode: unmarshaling vector batch: %w", err)
	}
	return vectors, nil
}
