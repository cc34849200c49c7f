package lib

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestHexBytesJSON(t *testing.T) {
	bz, err := json.Marshal(HexBytes{0xde, 0xad})
	require.NoError(t, err)
	require.Equal(t, `"0xdead"`, string(bz))
	var got HexBytes
	require.NoError(t, json.Unmarshal(bz, &got))
	require.Equal(t, HexBytes{0xde, 0xad}, got)
	// the prefix is optional
	require.NoError(t, json.Unmarshal([]byte(`"beef"`), &got))
	require.Equal(t, HexBytes{0xbe, 0xef}, got)
	require.Error(t, json.Unmarshal([]byte(`"zz"`), &got))
}

func TestParseAddressAndHash(t *testing.T) {
	_, err := ParseAddress("not an address")
	require.True(t, IsCode(err, MainModule, CodeInvalidAddress))
	addr, err := ParseAddress("0x000000000000000000000000000000000000c0ff")
	require.NoError(t, err)
	require.Equal(t, common.HexToAddress("0xc0ff"), addr)
	_, err = ParseHash("0x1234")
	require.True(t, IsCode(err, MainModule, CodeInvalidHash))
	h := common.HexToHash("0xabc")
	got, err := ParseHash(h.Hex())
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestDeDuplicator(t *testing.T) {
	d := NewDeDuplicator[string]()
	require.False(t, d.Found("a"))
	require.True(t, d.Found("a"))
	d.Delete("a")
	require.False(t, d.Found("a"))
	require.Equal(t, 1, d.Len())
}

func TestTimer(t *testing.T) {
	timer := NewTimer()
	ResetTimer(timer, time.Millisecond)
	select {
	case <-timer.C:
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
	StopTimer(timer)
	StopTimer(nil)
}

func TestHashLock(t *testing.T) {
	l := NewHashLock()
	h1, h2 := common.HexToHash("0x1"), common.HexToHash("0x2")
	require.True(t, l.TryLock(h1))
	require.False(t, l.TryLock(h1))
	// independent keys
	require.True(t, l.TryLock(h2))
	l.Unlock(h2)
	require.False(t, l.Held(h2))
	// a blocked Lock() proceeds once released
	acquired := make(chan struct{})
	go func() {
		l.Lock(h1)
		close(acquired)
	}()
	select {
	case <-acquired:
		t.Fatal("lock acquired while held")
	case <-time.After(20 * time.Millisecond):
	}
	l.Unlock(h1)
	<-acquired
	require.True(t, l.Held(h1))
	l.Unlock(h1)
}

func TestHashLockExclusive(t *testing.T) {
	l := NewHashLock()
	h := common.HexToHash("0x1")
	counter, wg := 0, sync.WaitGroup{}
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Lock(h)
			defer l.Unlock(h)
			counter++
		}()
	}
	wg.Wait()
	require.Equal(t, 50, counter)
}
