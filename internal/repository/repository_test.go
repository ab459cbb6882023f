package repository

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPrivateKeyIsOrderIndependent(t *testing.T) {
	a := "6f1c1f9e-8a57-4a0b-9d0e-0f2a4c0b7c11"
	b := "1b7d0c3e-2f64-4a8f-a1a1-9c1f3f1d2e22"
	require.Equal(t, PrivateKey(a, b), PrivateKey(b, a))
	require.Equal(t, b+":"+a, PrivateKey(a, b))
	require.NotEqual(t, PrivateKey(a, b), PrivateKey(a, a))
}
