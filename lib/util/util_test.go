package util

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingCloser struct {
	name  string
	order *[]string
	err   error
}

func (c *recordingCloser) Close() error {
	*c.order = append(*c.order, c.name)
	return c.err
}

func TestUserHome(t *testing.T) {
	assert.NotEmpty(t, UserHome())
}

func TestCloseAllReverseOrder(t *testing.T) {
	var order []string
	RegisterCloser(&recordingCloser{name: "first", order: &order})
	RegisterCloser(&recordingCloser{name: "second", order: &order, err: errors.New("busy")})

	CloseAll()
	require.Equal(t, []string{"second", "first"}, order)

	CloseAll()
	assert.Len(t, order, 2)
}
