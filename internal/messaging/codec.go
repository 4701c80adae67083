// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/bytedance/sonic"
)

// Codec converts values to and from broker payloads.
type Codec[T any] interface {
	Encode(v T) ([]byte, error)
	Decode(data []byte) (T, error)
	ContentType() string
}

// GobCodec is the default structured binary codec.
type GobCodec[T any] struct{}

func (GobCodec[T]) Encode(v T) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("gob encode: %w", err)
	}
	return buf.Bytes(), nil
}

func (GobCodec[T]) Decode(data []byte) (T, error) {
	var v T
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&v); err != nil {
		return v, fmt.Errorf("gob decode: %w", err)
	}
	return v, nil
}

func (GobCodec[T]) ContentType() string { return "application/x-gob" }

type JSONCodec[T any] struct{}

func (JSONCodec[T]) Encode(v T) ([]byte, error) {
	data, err := sonic.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json encode: %w", err)
	}
	return data, nil
}

func (JSONCodec[T]) Decode(data []byte) (T, error) {
	var v T
	if err := sonic.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("json decode: %w", err)
	}
	return v, nil
}

func (JSONCodec[T]) ContentType() string { return "application/json" }

// CodecByName returns the codec registered under name ("gob" or "json").
func CodecByName[T any](name string) (Codec[T], error) {
	switch name {
	case "", "gob":
		return GobCodec[T]{}, nil
	case "json":
		return JSONCodec[T]{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}
