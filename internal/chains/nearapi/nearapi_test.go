package nearapi

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcutil/base58"

	"github.com/crosslock-exchange/crosslock/internal/session"
)

func TestBorshPrimitives(t *testing.T) {
	w := &borshWriter{}
	w.u8(7)
	w.u32(258)
	w.u64(1)
	w.str("ab")
	w.vecBytes([]byte{9})

	want := []byte{
		7,
		2, 1, 0, 0, // 258 LE
		1, 0, 0, 0, 0, 0, 0, 0,
		2, 0, 0, 0, 'a', 'b',
		1, 0, 0, 0, 9,
	}
	got := w.bytes()
	if len(got) != len(want) {
		t.Fatalf("encoded length = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %d = %#x, want %#x", i, got[i], want[i])
		}
	}
}

func TestBorshU128(t *testing.T) {
	w := &borshWriter{}
	v, _ := new(big.Int).SetString("10000000000000000000000", 10) // 0.01 NEAR
	if err := w.u128(v); err != nil {
		t.Fatalf("u128() error = %v", err)
	}
	got := w.bytes()
	if len(got) != 16 {
		t.Fatalf("u128 length = %d", len(got))
	}

	// Decode back from little-endian.
	lo := binary.LittleEndian.Uint64(got[:8])
	hi := binary.LittleEndian.Uint64(got[8:])
	back := new(big.Int).SetUint64(hi)
	back.Lsh(back, 64)
	back.Add(back, new(big.Int).SetUint64(lo))
	if back.Cmp(v) != 0 {
		t.Errorf("u128 roundtrip = %s, want %s", back, v)
	}

	if err := (&borshWriter{}).u128(big.NewInt(-1)); err == nil {
		t.Error("negative u128 accepted")
	}
}

func TestEncodeTransactionLayout(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	var blockHash [32]byte
	blockHash[0] = 0xaa

	txBytes, err := encodeTransaction("executor.testnet", pub, 42, "htlc.testnet", blockHash, functionCall{
		MethodName: "create_htlc",
		Args:       []byte(`{}`),
		Gas:        defaultGas,
		Deposit:    big.NewInt(1),
	})
	if err != nil {
		t.Fatalf("encodeTransaction() error = %v", err)
	}

	// signer(4+16) + key(1+32) + nonce(8) + receiver(4+12) + block(32)
	// + actions(4) + variant(1) + method(4+11) + args(4+2) + gas(8) + deposit(16)
	want := 4 + 16 + 1 + 32 + 8 + 4 + 12 + 32 + 4 + 1 + 4 + 11 + 4 + 2 + 8 + 16
	if len(txBytes) != want {
		t.Errorf("transaction length = %d, want %d", len(txBytes), want)
	}

	// Signed form appends discriminant + 64-byte signature.
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	signed := signTransaction(txBytes, priv)
	if len(signed) != len(txBytes)+1+ed25519.SignatureSize {
		t.Errorf("signed length = %d", len(signed))
	}
}

func TestParsePrivateKeyRoundtrip(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}

	encoded := ed25519Prefix + base58.Encode(priv)
	parsed, err := ParsePrivateKey(encoded)
	if err != nil {
		t.Fatalf("ParsePrivateKey() error = %v", err)
	}
	if !parsed.Equal(priv) {
		t.Error("parsed key differs")
	}

	pubStr := EncodePublicKey(parsed.Public().(ed25519.PublicKey))
	if !strings.HasPrefix(pubStr, ed25519Prefix) {
		t.Errorf("EncodePublicKey() = %q", pubStr)
	}
}

func TestParsePrivateKeyRejectsBadInput(t *testing.T) {
	if _, err := ParsePrivateKey("secp256k1:abc"); !errors.Is(err, session.ErrValidation) {
		t.Errorf("wrong prefix error = %v, want ErrValidation", err)
	}
	if _, err := ParsePrivateKey("ed25519:2x"); !errors.Is(err, session.ErrValidation) {
		t.Errorf("short key error = %v, want ErrValidation", err)
	}

	// Corrupting the embedded public half must be caught.
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	bad := append([]byte(nil), priv...)
	bad[40] ^= 0xff
	if _, err := ParsePrivateKey(ed25519Prefix + base58.Encode(bad)); !errors.Is(err, session.ErrValidation) {
		t.Errorf("mismatched key error = %v, want ErrValidation", err)
	}
}

func TestTimeConversions(t *testing.T) {
	if got := secondsToNanoString(1_700_000_000); got != "1700000000000000000" {
		t.Errorf("secondsToNanoString = %s", got)
	}
	sec, err := nanoStringToSeconds("1700000000000000000")
	if err != nil || sec != 1_700_000_000 {
		t.Errorf("nanoStringToSeconds = %d, %v", sec, err)
	}
	if _, err := nanoStringToSeconds("not-a-number"); err == nil {
		t.Error("bad nanosecond string accepted")
	}
}

func TestBuildCreateArgs(t *testing.T) {
	var hashlock, orderHash [32]byte
	hashlock[0] = 0x11
	orderHash[0] = 0x22

	amount, _ := new(big.Int).SetString("100000000000000000000000", 10)
	p := CreateHTLCParams{
		Receiver:        "alice.testnet",
		Amount:          amount,
		Hashlock:        hashlock,
		TimelockUnixSec: 1_700_001_800,
		OrderHash:       orderHash,
	}

	args, err := buildCreateArgs(p)
	if err != nil {
		t.Fatalf("buildCreateArgs() error = %v", err)
	}
	if args.Amount != "100000000000000000000000" {
		t.Errorf("amount = %s", args.Amount)
	}
	if args.Token != nil {
		t.Error("native token should marshal as null")
	}
	if args.Timelock != "1700001800000000000" {
		t.Errorf("timelock = %s", args.Timelock)
	}
	if decoded, _ := base64.StdEncoding.DecodeString(args.Hashlock); len(decoded) != 32 || decoded[0] != 0x11 {
		t.Errorf("hashlock = %s", args.Hashlock)
	}

	// Native deposit is the amount itself.
	if createDeposit(p).Cmp(amount) != 0 {
		t.Errorf("native deposit = %s", createDeposit(p))
	}

	// Token transfers carry the token account and the fixed storage
	// deposit.
	p.Token = "usdc.fakes.testnet"
	args, err = buildCreateArgs(p)
	if err != nil {
		t.Fatalf("buildCreateArgs() error = %v", err)
	}
	if args.Token == nil || *args.Token != "usdc.fakes.testnet" {
		t.Errorf("token = %v", args.Token)
	}
	if createDeposit(p).Cmp(tokenStorageDeposit) != 0 {
		t.Errorf("token deposit = %s", createDeposit(p))
	}
}

func TestBuildCreateArgsValidation(t *testing.T) {
	_, err := buildCreateArgs(CreateHTLCParams{Receiver: "a", Amount: big.NewInt(0)})
	if !errors.Is(err, session.ErrValidation) {
		t.Errorf("zero amount error = %v, want ErrValidation", err)
	}
	_, err = buildCreateArgs(CreateHTLCParams{Amount: big.NewInt(1)})
	if !errors.Is(err, session.ErrValidation) {
		t.Errorf("missing receiver error = %v, want ErrValidation", err)
	}
}

func TestParseHTLCID(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		want    string
		wantErr bool
	}{
		{"json string", `"htlc_7"`, "htlc_7", false},
		{"json number", `12`, "12", false},
		{"empty", ``, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseHTLCID([]byte(tt.value))
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseHTLCID() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("parseHTLCID() = %s, want %s", got, tt.want)
			}
		})
	}
}
