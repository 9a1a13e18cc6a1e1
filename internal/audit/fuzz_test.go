package audit

import (
	"bytes"
	"context"
	"testing"

	"github.com/ppiankov/payvault/internal/model"
)

func FuzzVerifyJSONL(f *testing.F) {
	// Seed with a valid 3-entry chain
	fx := newFixture(f, nil).log
	for i := 0; i < 3; i++ {
		if _, err := fx.Record(context.Background(), model.EventGatewayAttempt, map[string]string{"gateway": "primary"}); err != nil {
			f.Fatal(err)
		}
	}
	var buf bytes.Buffer
	if err := WriteJSONL(&buf, fx.Recent(0)); err != nil {
		f.Fatal(err)
	}
	f.Add(buf.Bytes())
	f.Add([]byte{})
	f.Add([]byte(`{"not":"a valid entry"}` + "\n"))
	f.Add([]byte(`not json`))

	f.Fuzz(func(t *testing.T, data []byte) {
		// Must not panic
		VerifyJSONL(bytes.NewReader(data))
	})
}
