package storage

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"marginvault/native/conversion"
)

var (
	bucketPending  = []byte("pending")
	bucketFreezes  = []byte("freezes")
	bucketVaults   = []byte("vaults")
	bucketBalances = []byte("balances")
	bucketSupply   = []byte("supply")

	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
)

// State is the BoltDB-backed persistence layer shared by the conversion engine
// and the margin ledger. Records are stored as JSON under deterministic keys so
// operators can inspect the file with standard tooling.
type State struct {
	db *bolt.DB
}

// pendingRecord mirrors conversion.PendingConversion on disk.
type pendingRecord struct {
	Key                 string `json:"key"`
	Vault               string `json:"vault"`
	SubAccount          uint64 `json:"subAccount"`
	Reason              uint8  `json:"reason"`
	InputToken          string `json:"inputToken"`
	InputAmount         string `json:"inputAmount"`
	OutputToken         string `json:"outputToken"`
	OutputMinAmount     string `json:"outputMinAmount"`
	EscrowedAmount      string `json:"escrowedAmount,omitempty"`
	EscrowedOtherAmount string `json:"escrowedOtherAmount,omitempty"`
	CreatedAtBlock      uint64 `json:"createdAtBlock"`
	Retryable           bool   `json:"retryable,omitempty"`
	RetryKind           uint8  `json:"retryKind,omitempty"`
	FromLiquidation     bool   `json:"fromLiquidation,omitempty"`
}

// freezeRecord mirrors conversion.FreezeEntry on disk.
type freezeRecord struct {
	Vault         string `json:"vault"`
	SubAccount    uint64 `json:"subAccount"`
	Reason        uint8  `json:"reason"`
	PendingAmount string `json:"pendingAmount"`
	OutputToken   string `json:"outputToken"`
}

// vaultRecord mirrors conversion.VaultRecord on disk.
type vaultRecord struct {
	Vault   string `json:"vault"`
	Owner   string `json:"owner"`
	Factory string `json:"factory"`
}

// NewState initialises (and migrates) the BoltDB-backed store.
func NewState(path string, options *bolt.Options) (*State, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketPending, bucketFreezes, bucketVaults, bucketBalances, bucketSupply} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &State{db: db}, nil
}

// Close releases the underlying Bolt database handle.
func (s *State) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func encodeAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func decodeAmount(raw string) (*big.Int, error) {
	if strings.TrimSpace(raw) == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("storage: malformed amount %q", raw)
	}
	return v, nil
}

func decodeAddress(raw string) ([20]byte, error) {
	var addr [20]byte
	decoded, err := hex.DecodeString(raw)
	if err != nil || len(decoded) != len(addr) {
		return addr, fmt.Errorf("storage: malformed address %q", raw)
	}
	copy(addr[:], decoded)
	return addr, nil
}

func freezeStorageKey(vault [20]byte, subAccount uint64, reason conversion.FreezeReason) []byte {
	return []byte(hex.EncodeToString(vault[:]) + "/" + strconv.FormatUint(subAccount, 10) + "/" + strconv.FormatUint(uint64(reason), 10))
}

func balanceStorageKey(vault [20]byte, subAccount uint64, token string) []byte {
	return []byte(hex.EncodeToString(vault[:]) + "/" + strconv.FormatUint(subAccount, 10) + "/" + token)
}

// --- conversion engine surface ---

// PendingPut stores a pending-conversion record keyed by its venue handle.
func (s *State) PendingPut(p *conversion.PendingConversion) error {
	sanitized, err := conversion.SanitizePending(p)
	if err != nil {
		return err
	}
	rec := pendingRecord{
		Key:             hex.EncodeToString(sanitized.Key[:]),
		Vault:           hex.EncodeToString(sanitized.Vault[:]),
		SubAccount:      sanitized.SubAccount,
		Reason:          uint8(sanitized.Reason),
		InputToken:      sanitized.InputToken,
		InputAmount:     encodeAmount(sanitized.InputAmount),
		OutputToken:     sanitized.OutputToken,
		OutputMinAmount: encodeAmount(sanitized.OutputMinAmount),
		CreatedAtBlock:  sanitized.CreatedAtBlock,
		Retryable:       sanitized.Retryable,
		RetryKind:       uint8(sanitized.RetryKind),
		FromLiquidation: sanitized.FromLiquidation,
	}
	if sanitized.EscrowedAmount.Sign() > 0 {
		rec.EscrowedAmount = encodeAmount(sanitized.EscrowedAmount)
	}
	if sanitized.EscrowedOtherAmount.Sign() > 0 {
		rec.EscrowedOtherAmount = encodeAmount(sanitized.EscrowedOtherAmount)
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPending).Put(sanitized.Key[:], payload)
	})
}

// PendingGet loads a pending-conversion record by venue key.
func (s *State) PendingGet(key [32]byte) (*conversion.PendingConversion, bool) {
	var rec pendingRecord
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketPending).Get(key[:])
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &rec)
	})
	if err != nil || !found {
		return nil, false
	}
	pending, err := decodePending(rec)
	if err != nil {
		return nil, false
	}
	return pending, true
}

// PendingDelete removes a pending-conversion record.
func (s *State) PendingDelete(key [32]byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPending).Delete(key[:])
	})
}

func decodePending(rec pendingRecord) (*conversion.PendingConversion, error) {
	keyBytes, err := hex.DecodeString(rec.Key)
	if err != nil || len(keyBytes) != 32 {
		return nil, fmt.Errorf("storage: malformed pending key %q", rec.Key)
	}
	vault, err := decodeAddress(rec.Vault)
	if err != nil {
		return nil, err
	}
	inputAmount, err := decodeAmount(rec.InputAmount)
	if err != nil {
		return nil, err
	}
	outputMin, err := decodeAmount(rec.OutputMinAmount)
	if err != nil {
		return nil, err
	}
	escrowed, err := decodeAmount(rec.EscrowedAmount)
	if err != nil {
		return nil, err
	}
	escrowedOther, err := decodeAmount(rec.EscrowedOtherAmount)
	if err != nil {
		return nil, err
	}
	pending := &conversion.PendingConversion{
		Vault:               vault,
		SubAccount:          rec.SubAccount,
		Reason:              conversion.FreezeReason(rec.Reason),
		InputToken:          rec.InputToken,
		InputAmount:         inputAmount,
		OutputToken:         rec.OutputToken,
		OutputMinAmount:     outputMin,
		EscrowedAmount:      escrowed,
		EscrowedOtherAmount: escrowedOther,
		CreatedAtBlock:      rec.CreatedAtBlock,
		Retryable:           rec.Retryable,
		RetryKind:           conversion.RetryKind(rec.RetryKind),
		FromLiquidation:     rec.FromLiquidation,
	}
	copy(pending.Key[:], keyBytes)
	return pending, nil
}

// FreezePut stores a freeze entry.
func (s *State) FreezePut(entry *conversion.FreezeEntry) error {
	if entry == nil {
		return fmt.Errorf("storage: nil freeze entry")
	}
	rec := freezeRecord{
		Vault:         hex.EncodeToString(entry.Vault[:]),
		SubAccount:    entry.SubAccount,
		Reason:        uint8(entry.Reason),
		PendingAmount: encodeAmount(entry.PendingAmount),
		OutputToken:   entry.OutputToken,
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFreezes).Put(freezeStorageKey(entry.Vault, entry.SubAccount, entry.Reason), payload)
	})
}

// FreezeGet loads a freeze entry for the (vault, sub-account, reason) triple.
func (s *State) FreezeGet(vault [20]byte, subAccount uint64, reason conversion.FreezeReason) (*conversion.FreezeEntry, bool) {
	var rec freezeRecord
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketFreezes).Get(freezeStorageKey(vault, subAccount, reason))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &rec)
	})
	if err != nil || !found {
		return nil, false
	}
	entry, err := decodeFreeze(rec)
	if err != nil {
		return nil, false
	}
	return entry, true
}

// FreezeDelete removes a freeze entry.
func (s *State) FreezeDelete(vault [20]byte, subAccount uint64, reason conversion.FreezeReason) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFreezes).Delete(freezeStorageKey(vault, subAccount, reason))
	})
}

// FreezeByVault returns every freeze entry recorded under the vault.
func (s *State) FreezeByVault(vault [20]byte) ([]*conversion.FreezeEntry, error) {
	prefix := []byte(hex.EncodeToString(vault[:]) + "/")
	entries := make([]*conversion.FreezeEntry, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketFreezes).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var rec freezeRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			entry, err := decodeFreeze(rec)
			if err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// FreezeCount returns the number of stored freeze entries across all vaults.
func (s *State) FreezeCount() (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(bucketFreezes).Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func decodeFreeze(rec freezeRecord) (*conversion.FreezeEntry, error) {
	vault, err := decodeAddress(rec.Vault)
	if err != nil {
		return nil, err
	}
	amount, err := decodeAmount(rec.PendingAmount)
	if err != nil {
		return nil, err
	}
	return &conversion.FreezeEntry{
		Vault:         vault,
		SubAccount:    rec.SubAccount,
		Reason:        conversion.FreezeReason(rec.Reason),
		PendingAmount: amount,
		OutputToken:   rec.OutputToken,
	}, nil
}

// VaultPut stores a vault record.
func (s *State) VaultPut(rec *conversion.VaultRecord) error {
	if rec == nil {
		return fmt.Errorf("storage: nil vault record")
	}
	payload, err := json.Marshal(vaultRecord{
		Vault:   hex.EncodeToString(rec.Vault[:]),
		Owner:   hex.EncodeToString(rec.Owner[:]),
		Factory: hex.EncodeToString(rec.Factory[:]),
	})
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVaults).Put(rec.Vault[:], payload)
	})
}

// VaultGet loads a vault record by address.
func (s *State) VaultGet(vault [20]byte) (*conversion.VaultRecord, bool) {
	var rec vaultRecord
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketVaults).Get(vault[:])
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &rec)
	})
	if err != nil || !found {
		return nil, false
	}
	owner, err := decodeAddress(rec.Owner)
	if err != nil {
		return nil, false
	}
	factory, err := decodeAddress(rec.Factory)
	if err != nil {
		return nil, false
	}
	out := &conversion.VaultRecord{Vault: vault, Owner: owner, Factory: factory}
	return out, true
}

// --- margin ledger surface ---

// BalanceGet returns the signed balance of a position's token, zero when no
// record exists.
func (s *State) BalanceGet(vault [20]byte, subAccount uint64, token string) (*big.Int, error) {
	balance := big.NewInt(0)
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketBalances).Get(balanceStorageKey(vault, subAccount, token))
		if raw == nil {
			return nil
		}
		decoded, err := decodeAmount(string(raw))
		if err != nil {
			return err
		}
		balance = decoded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return balance, nil
}

// BalancePut stores the signed balance of a position's token. A zero balance
// deletes the record.
func (s *State) BalancePut(vault [20]byte, subAccount uint64, token string, amount *big.Int) error {
	key := balanceStorageKey(vault, subAccount, token)
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketBalances)
		if amount == nil || amount.Sign() == 0 {
			return bucket.Delete(key)
		}
		return bucket.Put(key, []byte(amount.String()))
	})
}

// BalancesByPosition returns every non-zero token balance of a position.
func (s *State) BalancesByPosition(vault [20]byte, subAccount uint64) (map[string]*big.Int, error) {
	prefix := []byte(hex.EncodeToString(vault[:]) + "/" + strconv.FormatUint(subAccount, 10) + "/")
	out := make(map[string]*big.Int)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketBalances).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			token := string(k[len(prefix):])
			decoded, err := decodeAmount(string(v))
			if err != nil {
				return err
			}
			out[token] = decoded
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SupplyGet returns the tracked total supply of a token.
func (s *State) SupplyGet(token string) (*big.Int, error) {
	supply := big.NewInt(0)
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketSupply).Get([]byte(token))
		if raw == nil {
			return nil
		}
		decoded, err := decodeAmount(string(raw))
		if err != nil {
			return err
		}
		supply = decoded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return supply, nil
}

// SupplyPut stores the tracked total supply of a token.
func (s *State) SupplyPut(token string, amount *big.Int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketSupply)
		if amount == nil || amount.Sign() == 0 {
			return bucket.Delete([]byte(token))
		}
		return bucket.Put([]byte(token), []byte(amount.String()))
	})
}
