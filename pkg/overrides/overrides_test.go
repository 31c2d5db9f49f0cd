package overrides

import (
	"encoding/json"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

type hookCounter struct {
	pre, post int
	inside    bool
}

func (h *hookCounter) hooks(t *testing.T) (func(), func()) {
	pre := func() {
		require.False(t, h.inside, "pre called twice without post")
		h.inside = true
		h.pre++
	}
	post := func() {
		require.True(t, h.inside, "post called without pre")
		h.inside = false
		h.post++
	}
	return pre, post
}

func TestList(t *testing.T) {
	eax := Override{Address: 0x1000, Register: "eax", TaintMask: "0xff"}
	ebx := Override{Address: 0x1000, Register: "ebx", TaintMask: "0x0f"}
	ecx := Override{Address: 0x2000, Register: "ecx", TaintMask: "0xffffffff"}

	t.Run("ordered operations", func(t *testing.T) {
		r := require.New(t)
		l := New()
		l.Append(eax)
		r.NoError(l.Insert(0, ecx))
		r.NoError(l.Insert(1, ebx))
		r.Equal([]Override{ecx, ebx, eax}, l.All())

		r.NoError(l.Set(2, ecx))
		r.NoError(l.Delete(0))
		r.Equal([]Override{ebx, ecx}, l.All())

		got, err := l.Get(1)
		r.NoError(err)
		r.Equal(ecx, got)
		r.Equal(2, l.Len())
	})

	t.Run("returned entries are copies", func(t *testing.T) {
		r := require.New(t)
		l := New(eax)
		all := l.All()
		all[0].Register = "esp"
		got, err := l.Get(0)
		r.NoError(err)
		r.Equal("eax", got.Register)
	})

	t.Run("invalid index does not notify", func(t *testing.T) {
		r := require.New(t)
		l := New(eax)
		h := &hookCounter{}
		l.Subscribe(h.hooks(t))

		r.ErrorIs(l.Set(1, ebx), ErrIndexOutOfRange)
		r.ErrorIs(l.Delete(-1), ErrIndexOutOfRange)
		r.ErrorIs(l.Insert(3, ebx), ErrIndexOutOfRange)
		_, err := l.Get(5)
		r.ErrorIs(err, ErrIndexOutOfRange)
		r.Zero(h.pre)
		r.Zero(h.post)
	})

	t.Run("hooks bracket every mutation exactly once", func(t *testing.T) {
		r := require.New(t)
		l := New()
		h := &hookCounter{}
		l.Subscribe(h.hooks(t))
		var postOnly int
		l.Subscribe(nil, func() { postOnly++ })

		rnd := rand.New(rand.NewSource(1))
		mutations := 0
		for range 200 {
			switch op := rnd.Intn(3); {
			case op == 0 || l.Len() == 0:
				r.NoError(l.Insert(rnd.Intn(l.Len()+1), eax))
			case op == 1:
				r.NoError(l.Delete(rnd.Intn(l.Len())))
			default:
				r.NoError(l.Set(rnd.Intn(l.Len()), ebx))
			}
			mutations++
		}
		r.Equal(mutations, h.pre)
		r.Equal(mutations, h.post)
		r.Equal(mutations, postOnly)
	})

	t.Run("hooks may read the list", func(t *testing.T) {
		r := require.New(t)
		l := New(eax)
		var before, after int
		l.Subscribe(func() { before = l.Len() }, func() { after = l.Len() })
		l.Append(ebx)
		r.Equal(1, before)
		r.Equal(2, after)
	})

	t.Run("unsubscribe", func(t *testing.T) {
		r := require.New(t)
		l := New()
		calls := 0
		unsubscribe := l.Subscribe(func() { calls++ }, nil)
		l.Append(eax)
		unsubscribe()
		l.Append(ebx)
		r.Equal(1, calls)
	})

	t.Run("json", func(t *testing.T) {
		r := require.New(t)
		l := New(eax, ecx)
		data, err := json.Marshal(l)
		r.NoError(err)

		restored := New()
		h := &hookCounter{}
		restored.Subscribe(h.hooks(t))
		r.NoError(json.Unmarshal(data, restored))
		r.Equal(l.All(), restored.All())
		r.Equal(1, h.pre)

		r.Error(restored.UnmarshalJSON([]byte("{")))
	})
}
