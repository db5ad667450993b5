package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_IsMatchesByCode(t *testing.T) {
	err := Wrap(CodeEmptyCart, "place order", context.Canceled)
	wrapped := fmt.Errorf("handler: %w", err)

	assert.ErrorIs(t, wrapped, ErrEmptyCart)
	assert.ErrorIs(t, wrapped, context.Canceled)
	assert.NotErrorIs(t, wrapped, ErrLineItemNotFound)
}

func TestClass(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorClass
	}{
		{nil, ClassNone},
		{ErrInvalidSession, ClassValidation},
		{ErrUnknownCustomization, ClassValidation},
		{ErrLineItemNotFound, ClassValidation},
		{ErrEmptyCart, ClassValidation},
		{ErrInvalidArgument, ClassValidation},
		{ErrNotFound, ClassNotFound},
		{fmt.Errorf("x: %w", ErrTransientStorageFailure), ClassTransient},
		{ErrDurableWriteFailure, ClassDurable},
		{errors.New("boom"), ClassInternal},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Class(c.err), "%v", c.err)
	}
}

func TestRetryable_OnlyTransient(t *testing.T) {
	assert.True(t, Retryable(Wrap(CodeTransientStorageFailure, "redis", errors.New("timeout"))))
	assert.False(t, Retryable(ErrDurableWriteFailure))
	assert.False(t, Retryable(ErrEmptyCart))
}

func TestPriceDiscrepancy_Warning(t *testing.T) {
	w := PriceDiscrepancy{LineItemID: "li-1"}.Warning()
	assert.ErrorIs(t, w, ErrPriceDiscrepancy)
	assert.Equal(t, "li-1", w.Metadata["line_item_id"])
}
