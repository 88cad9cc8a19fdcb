package kafka

import (
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/ariefcatur/go-smm-orders/internal/orders"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func EncodeEnvelope(env orders.Envelope) ([]byte, error) {
	b, err := json.Marshal(env)
	return b, errors.Wrapf(err, "encode %s envelope", env.EventType)
}

func DecodeEnvelope(b []byte) (orders.Envelope, error) {
	var env orders.Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return env, errors.Wrap(err, "decode envelope")
	}
	if env.EventID == "" || env.EventType == "" {
		return env, errors.New("envelope without event id or type")
	}
	return env, nil
}

// UnwrapPayload decodes the payload of an envelope into T.
func UnwrapPayload[T any](payload []byte) (T, error) {
	var t T
	if err := json.Unmarshal(payload, &t); err != nil {
		return t, errors.Wrap(err, "decode payload")
	}
	return t, nil
}
