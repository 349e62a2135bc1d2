// Copyright (c) 2026 Backupgate Team
// Backupgate - backup export gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package codec

import (
	"bytes"
	"testing"

	"github.com/backupgate/backupgate/internal/security"
)

type payload struct {
	Name   string          `cbor:"name"`
	Secret security.Secret `cbor:"secret"`
	Tags   map[string]int  `cbor:"tags"`
}

func TestMarshal_DeterministicAndSecretPreserved(t *testing.T) {
	in := payload{
		Name:   "repo",
		Secret: security.FromString("hunter2"),
		Tags:   map[string]int{"b": 2, "a": 1, "c": 3},
	}
	first, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := Marshal(in)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("encoding is not deterministic")
		}
	}

	var out payload
	if err := Unmarshal(first, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.Secret.Reveal() != "hunter2" {
		t.Fatalf("secret must survive encoding, got %q", out.Secret.Reveal())
	}
	if out.Name != "repo" || out.Tags["c"] != 3 {
		t.Fatalf("unexpected decode: %+v", out)
	}
}

func TestUnmarshal_RejectsGarbage(t *testing.T) {
	var out payload
	if err := Unmarshal([]byte{0xff, 0x00, 0x13}, &out); err == nil {
		t.Fatalf("expected decode error")
	}
}
