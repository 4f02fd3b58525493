package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseFormPreservesOrderAndDuplicates(t *testing.T) {
	t.Parallel()
	form := ParseForm([]byte("apple=red&banana=yellow&pear=greenish+%20yellow"))
	require := []Field{
		{Name: "apple", Value: "red"},
		{Name: "banana", Value: "yellow"},
		{Name: "pear", Value: "greenish  yellow"},
	}
	assert.Equal(t, Form(require), form)
}

func TestParseFormDuplicateNamesAllPreserved(t *testing.T) {
	t.Parallel()
	form := ParseForm([]byte("tag=a&tag=b&tag=c"))
	assert.Equal(t, []string{"a", "b", "c"}, form.All("tag"))
}

func TestParseFormGetReturnsFirstMatch(t *testing.T) {
	t.Parallel()
	form := ParseForm([]byte("x=1&x=2"))
	v, ok := form.Get("x")
	assert.True(t, ok)
	assert.Equal(t, "1", v)
}

func TestParseFormMissingFieldGetFalse(t *testing.T) {
	t.Parallel()
	form := ParseForm([]byte("x=1"))
	_, ok := form.Get("y")
	assert.False(t, ok)
}

func TestParseFormEmptyBodyYieldsNoFields(t *testing.T) {
	t.Parallel()
	form := ParseForm([]byte(""))
	assert.Empty(t, form)
}
