package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	SellerID string `validate:"required"`
	Email    string `validate:"required,email"`
	Subject  string `validate:"max=5"`
}

func TestValidateStruct(t *testing.T) {
	assert.Nil(t, ValidateStruct(sample{SellerID: "s1", Email: "a@b.co"}))

	errs := ValidateStruct(sample{Email: "nope", Subject: "too long"})
	require.Len(t, errs, 3)
	assert.Equal(t, "seller_id", errs[0].Field)
	assert.Equal(t, "seller_id is required", errs[0].Message)
	assert.Equal(t, "email must be a valid email address", errs[1].Message)
	assert.Equal(t, "subject must be at most 5 characters long", errs[2].Message)
	assert.Contains(t, Summary(errs), "; ")
}

func TestValidateVar(t *testing.T) {
	assert.True(t, ValidateVar("b@x.com", "email"))
	assert.False(t, ValidateVar("b@", "email"))
}
