package merger

import "github.com/caida/rsdos-crawler/internal/model"

// attackKeyCodec encodes/decodes an attack table key as "ip/start_time",
// the composite key scheme spec.md section 6 uses on the attack.change
// topic.
type attackKeyCodec struct{}

func (attackKeyCodec) Encode(k model.AttackKey) ([]byte, error) {
	return []byte(k.String()), nil
}

func (attackKeyCodec) Decode(b []byte) (model.AttackKey, error) {
	return model.ParseAttackKey(string(b))
}
