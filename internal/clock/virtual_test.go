package clock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestVirtual_AdvanceAndSet(t *testing.T) {
	v := NewVirtual(epoch)
	assert.Equal(t, epoch, v.Now())

	v.Advance(90 * time.Second)
	assert.Equal(t, epoch.Add(90*time.Second), v.Now())
	assert.Equal(t, 90*time.Second, v.Since(epoch))

	v.Set(epoch.Add(time.Hour))
	assert.Equal(t, epoch.Add(time.Hour), v.Now())
}

func TestVirtual_Panics(t *testing.T) {
	v := NewVirtual(epoch)
	assert.Panics(t, func() { v.Advance(-time.Second) })
	assert.Panics(t, func() { v.Set(epoch.Add(-time.Second)) })
}

func TestVirtual_After(t *testing.T) {
	v := NewVirtual(epoch)
	short := v.After(time.Second)
	long := v.After(10 * time.Second)

	select {
	case <-short:
		t.Fatal("fired before advance")
	default:
	}

	v.Advance(5 * time.Second)
	select {
	case got := <-short:
		assert.Equal(t, epoch.Add(5*time.Second), got)
	default:
		t.Fatal("short timer did not fire")
	}
	select {
	case <-long:
		t.Fatal("long timer fired early")
	default:
	}

	v.Set(epoch.Add(time.Minute))
	select {
	case <-long:
	default:
		t.Fatal("long timer did not fire after Set")
	}

	require.Len(t, v.pending, 0)
	select {
	case <-v.After(0):
	default:
		t.Fatal("After(0) should fire immediately")
	}
}

func TestVirtual_ConcurrentAccess(t *testing.T) {
	v := NewVirtual(epoch)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = v.Now()
			_ = v.Since(epoch)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			v.Advance(time.Millisecond)
		}
	}()
	wg.Wait()

	assert.Equal(t, epoch.Add(100*time.Millisecond), v.Now())
}

func TestOr(t *testing.T) {
	assert.IsType(t, Real{}, Or(nil))
	v := NewVirtual(epoch)
	assert.Same(t, v, Or(v))
}
