package lib

import (
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// MarshalJSON() serializes a message into a JSON byte slice
func MarshalJSON(message any) ([]byte, ErrorI) {
	bz, err := json.Marshal(message)
	if err != nil {
		return nil, ErrJSONMarshal(err)
	}
	return bz, nil
}

// MarshalJSONIndent() serializes a message into an indented JSON byte slice
func MarshalJSONIndent(message any) ([]byte, ErrorI) {
	bz, err := json.MarshalIndent(message, "", "  ")
	if err != nil {
		return nil, ErrJSONMarshal(err)
	}
	return bz, nil
}

// UnmarshalJSON() deserializes a JSON byte slice into the specified object
func UnmarshalJSON(bz []byte, ptr any) ErrorI {
	if err := json.Unmarshal(bz, ptr); err != nil {
		return ErrJSONUnmarshal(err)
	}
	return nil
}

// NewJSONFromFile() reads a json object from file
func NewJSONFromFile(o any, dataDirPath, filePath string) ErrorI {
	bz, err := os.ReadFile(filepath.Join(dataDirPath, filePath))
	if err != nil {
		return ErrReadFile(err)
	}
	return UnmarshalJSON(bz, o)
}

// SaveJSONToFile() saves a json object to a file
func SaveJSONToFile(j any, dataDirPath, filePath string) (err ErrorI) {
	bz, err := MarshalJSONIndent(j)
	if err != nil {
		return
	}
	if e := os.WriteFile(filepath.Join(dataDirPath, filePath), bz, os.ModePerm); e != nil {
		return ErrWriteFile(e)
	}
	return
}

// BytesToString() converts a byte slice to a 0x prefixed hexadecimal string
func BytesToString(b []byte) string { return "0x" + hex.EncodeToString(b) }

// StringToBytes() converts a hexadecimal string (0x prefix optional) back into a byte slice
func StringToBytes(s string) ([]byte, ErrorI) {
	bz, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, ErrJSONUnmarshal(err)
	}
	return bz, nil
}

// ParseAddress() strictly parses a hex address string
func ParseAddress(s string) (common.Address, ErrorI) {
	if !common.IsHexAddress(s) {
		return common.Address{}, ErrInvalidAddress(s)
	}
	return common.HexToAddress(s), nil
}

// ParseHash() strictly parses a 32 byte hex hash string
func ParseHash(s string) (common.Hash, ErrorI) {
	bz, err := StringToBytes(s)
	if err != nil || len(bz) != common.HashLength {
		return common.Hash{}, ErrInvalidHash(s)
	}
	return common.BytesToHash(bz), nil
}

// ShortHash() returns the truncated hex form of a hash for log lines
func ShortHash(h common.Hash) string { return h.Hex()[:10] + ".." }

// HexBytes represents a byte slice that can be marshaled and unmarshalled as hex strings
type HexBytes []byte

// String() returns the HexBytes as a hexadecimal string
func (x HexBytes) String() string { return BytesToString(x) }

// MarshalJSON() serializes the HexBytes to a JSON byte slice
func (x HexBytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(BytesToString(x))
}

// UnmarshalJSON() deserializes a JSON byte slice into HexBytes
func (x *HexBytes) UnmarshalJSON(b []byte) (err error) {
	var s string
	if err = json.Unmarshal(b, &s); err != nil {
		return err
	}
	bz, e := StringToBytes(s)
	if e != nil {
		return e
	}
	*x = bz
	return
}

// NewTimer() creates a 0 value initialized instance of a timer
func NewTimer() *time.Timer {
	t := time.NewTimer(0)
	<-t.C
	return t
}

// ResetTimer() stops the existing timer, and resets with the new duration
func ResetTimer(t *time.Timer, d time.Duration) {
	StopTimer(t)
	t.Reset(d)
}

// StopTimer() stops the existing timer
func StopTimer(t *time.Timer) {
	if t == nil {
		return
	}
	if !t.Stop() {
		// drain safely
		for len(t.C) > 0 {
			<-t.C
		}
	}
}

// CatchPanic() catches any panic in the function call or child function calls
func CatchPanic(l LoggerI) {
	if r := recover(); r != nil {
		l.Errorf("recovered from panic: %v\n%s", r, string(debug.Stack()))
	}
}

// JoinLenPrefix() appends the items together separated by a single byte to represent the length of the segment
func JoinLenPrefix(toAppend ...[]byte) (res []byte) {
	// for each item to append
	for _, item := range toAppend {
		if item == nil {
			continue
		}
		// store the length of the segment in a single byte
		length := []byte{byte(len(item))}
		// append to the rest of the segment
		res = append(append(res, length...), item...)
	}
	return
}

// Append() returns a new slice holding a followed by b, never aliasing a
func Append(a, b []byte) []byte {
	out := make([]byte, 0, len(a)+len(b))
	return append(append(out, a...), b...)
}

// DeDuplicator is a generic structure that serves as a simple anti-duplication check
type DeDuplicator[T comparable] struct {
	m map[T]struct{}
}

// NewDeDuplicator constructs a new object reference to a DeDuplicator
func NewDeDuplicator[T comparable]() *DeDuplicator[T] {
	return &DeDuplicator[T]{m: make(map[T]struct{})}
}

// Found checks for an existing entry and adds it to the map if it's not present
func (d *DeDuplicator[T]) Found(k T) bool {
	// check if the key already exists
	if _, exists := d.m[k]; exists {
		return true // it's a duplicate
	}
	// add the key to the map
	d.m[k] = struct{}{}
	// not a duplicate
	return false
}

// Delete removes an entry so it may be found again
func (d *DeDuplicator[T]) Delete(k T) { delete(d.m, k) }

// Len returns the number of tracked entries
func (d *DeDuplicator[T]) Len() int { return len(d.m) }
