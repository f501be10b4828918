package protocol

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"testing"

	"github.com/healthcare-dapp/hdsync/internal/crypto"
	"github.com/healthcare-dapp/hdsync/internal/records"
)

func newSigner(t *testing.T) *crypto.Ed25519Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return crypto.NewEd25519Signer(priv)
}

func TestEncodeVerify(t *testing.T) {
	signer := newSigner(t)

	env, err := Encode(MsgSyncSummary, SyncSummary{Records: 3, Files: 1, FileBytes: 100}, signer)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(env.Signature) != ed25519.SignatureSize {
		t.Errorf("unexpected signature length %d", len(env.Signature))
	}

	if err := env.Verify(signer.PublicKey()); err != nil {
		t.Errorf("Verify should succeed: %v", err)
	}

	var summary SyncSummary
	if err := env.ParseData(&summary); err != nil {
		t.Fatalf("ParseData: %v", err)
	}
	if summary.Records != 3 || summary.FileBytes != 100 {
		t.Errorf("unexpected summary %+v", summary)
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	signer := newSigner(t)

	env, _ := Encode(MsgShowCurrentState, ShowCurrentState{
		Version:   ProtocolVersion,
		Inventory: map[records.Kind][]string{records.KindChat: {"a", "b"}},
	}, signer)

	b, err := env.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	decoded, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Type != MsgShowCurrentState {
		t.Errorf("expected %s, got %s", MsgShowCurrentState, decoded.Type)
	}
	if err := decoded.Verify(signer.PublicKey()); err != nil {
		t.Errorf("Verify after round trip: %v", err)
	}
}

func TestVerify_WhitespaceInsensitive(t *testing.T) {
	signer := newSigner(t)
	env, _ := Encode(MsgSyncFinished, SyncFinished{Records: 1}, signer)

	// Re-indenting data must not change its canonical form.
	indented, _ := json.MarshalIndent(json.RawMessage(env.Data), "", "  ")
	env.Data = indented

	if err := env.Verify(signer.PublicKey()); err != nil {
		t.Errorf("Verify should accept reformatted data: %v", err)
	}
}

func TestVerify_TamperedData(t *testing.T) {
	signer := newSigner(t)
	env, _ := Encode(MsgSyncSummary, SyncSummary{Records: 1}, signer)

	env.Data = json.RawMessage(`{"records":999,"files":0,"file_bytes":0}`)

	if err := env.Verify(signer.PublicKey()); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestVerify_TamperedType(t *testing.T) {
	signer := newSigner(t)
	env, _ := Encode(MsgSyncRequested, SyncRequested{}, signer)

	env.Type = MsgSyncFinished

	if err := env.Verify(signer.PublicKey()); err == nil {
		t.Error("Verify should fail with tampered type")
	}
}

func TestVerify_WrongIdentity(t *testing.T) {
	signer := newSigner(t)
	other := newSigner(t)
	env, _ := Encode(MsgSyncRequested, SyncRequested{}, signer)

	if err := env.Verify(other.PublicKey()); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestVerify_MissingSignature(t *testing.T) {
	env := &Envelope{Type: MsgSyncRequested, Data: json.RawMessage(`{}`)}
	if err := env.Verify(newSigner(t).PublicKey()); !errors.Is(err, ErrMissingSignature) {
		t.Errorf("expected ErrMissingSignature, got %v", err)
	}
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"not json", "garbage"},
		{"unknown type", `{"type":"DROP_TABLES","data":{}}`},
		{"missing data", `{"type":"SYNC_FINISHED"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode([]byte(tt.input)); err == nil {
				t.Error("expected decode error")
			}
		})
	}
}

func TestFileChunkBinarySafe(t *testing.T) {
	signer := newSigner(t)
	data := []byte{0x00, 0xff, 0x10, 0x80, 0x7f}

	env, _ := Encode(MsgFileChunk, FileChunk{FileHash: "h", Offset: 8192, Data: data, HasEnded: true}, signer)
	b, _ := env.Marshal()
	decoded, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	var chunk FileChunk
	if err := decoded.ParseData(&chunk); err != nil {
		t.Fatalf("ParseData: %v", err)
	}
	if string(chunk.Data) != string(data) || chunk.Offset != 8192 || !chunk.HasEnded {
		t.Errorf("chunk mismatch: %+v", chunk)
	}
}

func TestSignalRoundTrip(t *testing.T) {
	sig, err := NewSignal(SignalPing, Ping{Address: "0xaa"})
	if err != nil {
		t.Fatalf("NewSignal: %v", err)
	}
	b, _ := sig.Marshal()

	decoded, err := DecodeSignal(b)
	if err != nil {
		t.Fatalf("DecodeSignal: %v", err)
	}
	var ping Ping
	if err := decoded.ParsePayload(&ping); err != nil {
		t.Fatalf("ParsePayload: %v", err)
	}
	if ping.Address != "0xaa" {
		t.Errorf("unexpected address %s", ping.Address)
	}

	if _, err := DecodeSignal([]byte(`{"type":"bye"}`)); err == nil {
		t.Error("expected error for unknown signal type")
	}
}
