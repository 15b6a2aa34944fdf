package generic

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPool(t *testing.T) {
	created := 0
	p := NewPool(func() *[]byte {
		created++
		b := make([]byte, 0, 8)
		return &b
	}, func(b *[]byte) { *b = (*b)[:0] })

	b := p.Get()
	*b = append(*b, 1, 2, 3)
	p.Put(b)
	require.Empty(t, *b, "reset runs on Put")
	require.Equal(t, 8, cap(*b), "the backing array is kept")

	require.NotNil(t, p.Get())
	require.GreaterOrEqual(t, created, 1)
}
