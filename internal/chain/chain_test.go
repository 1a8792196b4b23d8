package chain

import (
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/angelmondragon/compliance-ledger/internal/events"
)

func sampleEvent(i int) events.Event {
	return &events.FinancialTransaction{
		TransactionID: fmt.Sprintf("tx-%d", i),
		FromAccount:   "acc-a",
		ToAccount:     "acc-b",
		Amount:        events.MustMoney(fmt.Sprintf("%d.50", 100+i), "USD", 2),
		Currency:      "USD",
		Timestamp:     time.Date(2024, 5, 1, 12, i, 0, 0, time.UTC),
	}
}

func buildChain(t *testing.T, chainID string, n int, d Digester) []Record {
	t.Helper()
	records := make([]Record, 0, n)
	prev := ""
	for i := 0; i < n; i++ {
		rec := Record{
			ChainID:      chainID,
			Sequence:     int64(i + 1),
			Event:        sampleEvent(i),
			Metadata:     map[string]any{"batch": i},
			Timestamp:    time.Date(2024, 5, 1, 13, 0, i, 0, time.UTC),
			PreviousHash: prev,
		}
		hash, err := IdentityHash(rec.Content(), d)
		if err != nil {
			t.Fatalf("identity hash: %v", err)
		}
		rec.Hash = hash
		records = append(records, rec)
		prev = hash
	}
	return records
}

func TestCanonicalJSONIsStable(t *testing.T) {
	a, err := CanonicalJSON(map[string]any{"b": 1.50, "a": []any{"x", nil}, "empty": map[string]any{}, "none": nil})
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	b, err := CanonicalJSON(map[string]any{"a": []any{"x", nil}, "b": 1.5})
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	if string(a) != string(b) {
		t.Fatalf("canonical forms differ: %s vs %s", a, b)
	}
	if string(a) != `{"a":["x",null],"b":1.5}` {
		t.Fatalf("unexpected canonical form %s", a)
	}

	html, err := CanonicalJSON(map[string]any{"note": "<a&b>"})
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	if string(html) != `{"note":"<a&b>"}` {
		t.Fatalf("html should not be escaped: %s", html)
	}
}

func TestIdentityHashIgnoresRepresentationDetails(t *testing.T) {
	base := Content{
		ChainID:   "main",
		Event:     sampleEvent(1),
		Metadata:  map[string]any{"amount": 10.0, "source": "api"},
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	variant := base
	variant.Metadata = map[string]any{"source": "api", "amount": 10, "ignored": nil}
	variant.Timestamp = base.Timestamp.In(time.FixedZone("EST", -5*3600))

	h1, err := IdentityHash(base, SHA256{})
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	h2, err := IdentityHash(variant, SHA256{})
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("semantically identical content hashed differently")
	}

	nilMeta := base
	nilMeta.Metadata = nil
	emptyMeta := base
	emptyMeta.Metadata = map[string]any{}
	h3, _ := IdentityHash(nilMeta, SHA256{})
	h4, _ := IdentityHash(emptyMeta, SHA256{})
	if h3 != h4 {
		t.Fatalf("nil and empty metadata should hash identically")
	}
}

func TestIdentityHashBindsPreviousHash(t *testing.T) {
	content := Content{ChainID: "main", Event: sampleEvent(1), Timestamp: time.Unix(0, 0)}
	genesis, _ := IdentityHash(content, SHA256{})
	content.PreviousHash = genesis
	linked, _ := IdentityHash(content, SHA256{})
	if genesis == linked {
		t.Fatalf("previous hash must change the identity hash")
	}

	other, _ := IdentityHash(content, Blake2b256{})
	if other == linked {
		t.Fatalf("digest algorithm should change the identity hash")
	}
	if len(linked) != 64 || len(other) != 64 {
		t.Fatalf("expected 32-byte hex digests")
	}
}

func TestVerifyUntouchedChain(t *testing.T) {
	records := buildChain(t, "main", 5, SHA256{})
	report := Verify("main", records, SHA256{}, nil)
	if !report.Valid || report.TamperIndex != -1 || report.RecordsChecked != 5 {
		t.Fatalf("expected valid report, got %+v", report)
	}
	if empty := Verify("main", nil, SHA256{}, nil); !empty.Valid {
		t.Fatalf("empty chain should verify")
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	tests := []struct {
		name   string
		tamper func([]Record) []Record
		index  int
		reason TamperReason
	}{
		{
			name: "event field changed",
			tamper: func(r []Record) []Record {
				tx := *(r[2].Event.(*events.FinancialTransaction))
				tx.Amount = events.MustMoney("999999", "USD", 2)
				r[2].Event = &tx
				return r
			},
			index:  2,
			reason: ReasonHashMismatch,
		},
		{
			name: "metadata changed",
			tamper: func(r []Record) []Record {
				r[1].Metadata = map[string]any{"batch": 42}
				return r
			},
			index:  1,
			reason: ReasonHashMismatch,
		},
		{
			name: "stored hash rewritten downstream",
			tamper: func(r []Record) []Record {
				r[3].PreviousHash = "00"
				return r
			},
			index:  3,
			reason: ReasonBrokenLink,
		},
		{
			name: "record removed",
			tamper: func(r []Record) []Record {
				return append(r[:1:1], r[2:]...)
			},
			index:  1,
			reason: ReasonSequenceGap,
		},
		{
			name: "records reordered",
			tamper: func(r []Record) []Record {
				r[1], r[2] = r[2], r[1]
				r[1].Sequence, r[2].Sequence = 2, 3
				return r
			},
			index:  1,
			reason: ReasonBrokenLink,
		},
		{
			name: "genesis given a predecessor",
			tamper: func(r []Record) []Record {
				r[0].PreviousHash = r[1].Hash
				return r
			},
			index:  0,
			reason: ReasonGenesisHasPrevious,
		},
		{
			name: "foreign chain",
			tamper: func(r []Record) []Record {
				r[4].ChainID = "other"
				return r
			},
			index:  4,
			reason: ReasonChainMismatch,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records := tt.tamper(buildChain(t, "main", 5, SHA256{}))
			report := Verify("main", records, SHA256{}, nil)
			if report.Valid {
				t.Fatalf("tampering went undetected")
			}
			if report.TamperIndex != tt.index || report.Reason != tt.reason {
				t.Fatalf("expected index %d reason %s, got %+v", tt.index, tt.reason, report)
			}
			if report.TamperHash != records[tt.index].Hash {
				t.Fatalf("tamper hash should identify the offending record")
			}
		})
	}
}

func TestVerifyChecksSignatures(t *testing.T) {
	ring, err := NewKeyring(map[string]string{"k1": "secret"}, "k1")
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	records := buildChain(t, "main", 3, SHA256{})
	for i := range records {
		sig, keyID, err := ring.SignRecord("main", records[i].Hash)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		records[i].Signature, records[i].SignatureKeyID = sig, keyID
	}
	if report := Verify("main", records, SHA256{}, ring); !report.Valid {
		t.Fatalf("signed chain should verify: %+v", report)
	}

	records[1].Signature = "deadbeef"
	report := Verify("main", records, SHA256{}, ring)
	if report.Valid || report.TamperIndex != 1 || report.Reason != ReasonSignatureInvalid {
		t.Fatalf("expected signature failure at 1, got %+v", report)
	}

	records[1].Signature = ""
	if report := Verify("main", records, SHA256{}, ring); !report.Valid {
		t.Fatalf("unsigned records are accepted unless required: %+v", report)
	}
	if report := Verify("main", records, SHA256{}, ring.RequireAll()); report.Valid {
		t.Fatalf("unsigned record should fail when signatures are required")
	}
}

func TestMerkleRoot(t *testing.T) {
	d := SHA256{}
	leaves := make([]string, 3)
	raw := make([][]byte, 3)
	for i := range leaves {
		raw[i] = d.Sum([]byte{byte(i)})
		leaves[i] = hex.EncodeToString(raw[i])
	}

	if root, _ := MerkleRoot(nil, d); root != "" {
		t.Fatalf("empty chain should have empty root, got %q", root)
	}
	if root, _ := MerkleRoot(leaves[:1], d); root != leaves[0] {
		t.Fatalf("single leaf root should equal the leaf")
	}

	ab := d.Sum(concat(raw[0], raw[1]))
	cc := d.Sum(concat(raw[2], raw[2]))
	want := hex.EncodeToString(d.Sum(concat(ab, cc)))
	root, err := MerkleRoot(leaves, d)
	if err != nil {
		t.Fatalf("merkle root: %v", err)
	}
	if root != want {
		t.Fatalf("odd level should duplicate the last hash: got %s want %s", root, want)
	}

	if _, err := MerkleRoot([]string{"not-hex"}, d); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestInclusionProofs(t *testing.T) {
	d := SHA256{}
	records := buildChain(t, "main", 7, d)
	hashes := make([]string, len(records))
	for i, rec := range records {
		hashes[i] = rec.Hash
	}
	root, err := MerkleRoot(hashes, d)
	if err != nil {
		t.Fatalf("merkle root: %v", err)
	}

	for i, h := range hashes {
		proof, err := InclusionProof(hashes, h, d)
		if err != nil {
			t.Fatalf("proof %d: %v", i, err)
		}
		if proof.Root != root || proof.Index != i {
			t.Fatalf("proof %d has root %s index %d", i, proof.Root, proof.Index)
		}
		ok, err := VerifyProof(proof, d)
		if err != nil || !ok {
			t.Fatalf("proof %d did not verify: %v", i, err)
		}
	}

	proof, _ := InclusionProof(hashes, hashes[3], d)
	proof.Leaf = hashes[4]
	if ok, _ := VerifyProof(proof, d); ok {
		t.Fatalf("proof for a different leaf must not verify")
	}
	if _, err := InclusionProof(hashes, "ff", d); err == nil {
		t.Fatalf("expected ErrLeafNotFound")
	}
}

func TestKeyring(t *testing.T) {
	if _, err := NewKeyring(nil, "k1"); err == nil {
		t.Fatalf("expected error for empty keys")
	}
	if _, err := NewKeyring(map[string]string{"k1": "a"}, "k2"); err == nil {
		t.Fatalf("expected error for unknown active key")
	}

	old, _ := NewKeyring(map[string]string{"k1": "one"}, "k1")
	sig, keyID, err := old.SignRecord("main", "abc")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	rotated, _ := NewKeyring(map[string]string{"k1": "one", "k2": "two"}, "k2")
	if err := rotated.VerifyRecord("main", "abc", sig, keyID); err != nil {
		t.Fatalf("rotated keyring should verify old signatures: %v", err)
	}
	if err := rotated.VerifyRecord("other", "abc", sig, keyID); err == nil {
		t.Fatalf("signature must be bound to its chain")
	}
	if err := rotated.VerifyRecord("main", "abc", sig, "k9"); err == nil {
		t.Fatalf("unknown key id must fail")
	}
	if _, newKey, _ := rotated.SignRecord("main", "abc"); newKey != "k2" {
		t.Fatalf("expected active key k2, got %s", newKey)
	}
}

func TestDigesterFor(t *testing.T) {
	for name, want := range map[string]string{"": "sha256", "SHA256": "sha256", "blake2b": "blake2b"} {
		d, err := DigesterFor(name)
		if err != nil || d.Name() != want {
			t.Fatalf("DigesterFor(%q) = %v, %v", name, d, err)
		}
	}
	if _, err := DigesterFor("md5"); err == nil {
		t.Fatalf("expected md5 to be rejected")
	}
}
