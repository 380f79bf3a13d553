package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestObligationType(t *testing.T) {
	c := &Credex{Denomination: DenomUSD, SecuredBy: "acct-1"}
	assert.True(t, c.Secured())
	assert.Equal(t, SecuredType(DenomUSD), c.ObligationType())
	assert.Equal(t, "USD_SECURED", c.ObligationType().String())

	c.SecuredBy = ""
	assert.Equal(t, Floating, c.ObligationType())
	assert.Equal(t, "FLOATING", Floating.String())
}

func TestFaceValue(t *testing.T) {
	c := &Credex{OutstandingAmount: 250, CXXMultiplier: 2.5}
	assert.InDelta(t, 100, c.FaceValue(), 1e-9)
}

func TestSupported(t *testing.T) {
	assert.True(t, Supported(DenomCXX))
	assert.True(t, Supported(DenomZIG))
	assert.False(t, Supported("BTC"))
	assert.False(t, Supported(""))
}
