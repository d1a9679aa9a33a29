package services

import (
	"errors"
	"fmt"
)

// ErrorCode is the fulfillment error taxonomy recorded on failed orders.
type ErrorCode string

const (
	CodeMissingEmail                 ErrorCode = "MISSING_EMAIL"
	CodeNoLineItems                  ErrorCode = "NO_LINE_ITEMS"
	CodeTooManyLineItems             ErrorCode = "TOO_MANY_LINE_ITEMS"
	CodeInvalidLineItem              ErrorCode = "INVALID_LINE_ITEM"
	CodeInvalidLineItemPrice         ErrorCode = "INVALID_LINE_ITEM_PRICE"
	CodeInvalidLineItemProduct       ErrorCode = "INVALID_LINE_ITEM_PRODUCT"
	CodeLineItemProductMismatch      ErrorCode = "LINE_ITEM_PRODUCT_MISMATCH"
	CodeMissingShippingItem          ErrorCode = "MISSING_SHIPPING_ITEM"
	CodeMissingShippingAddress       ErrorCode = "MISSING_SHIPPING_ADDRESS"
	CodeInvalidDigitalDeliveryOption ErrorCode = "INVALID_DIGITAL_DELIVERY_OPTION"
	CodeOriginalEventUnavailable     ErrorCode = "ORIGINAL_EVENT_UNAVAILABLE"
	CodePrintJobCreateFailed         ErrorCode = "PRINT_JOB_CREATE_FAILED"
	CodePrintSourceUnavailable       ErrorCode = "PRINT_SOURCE_UNAVAILABLE"
	CodeDigitalDeliveryFailed        ErrorCode = "DIGITAL_DELIVERY_FAILED"
)

// Stage tells whether an error happened before or after external side effects.
type Stage string

const (
	StageClassification Stage = "classification"
	StageFulfillment    Stage = "fulfillment"
)

// FulfillmentError is a terminal, non-retryable fulfillment failure. Anything
// else returned by the services is transient and leaves the order pending.
type FulfillmentError struct {
	Code  ErrorCode
	Stage Stage
	Err   error
}

func (e *FulfillmentError) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *FulfillmentError) Unwrap() error { return e.Err }

func classificationError(code ErrorCode, format string, args ...any) *FulfillmentError {
	return &FulfillmentError{Code: code, Stage: StageClassification, Err: fmt.Errorf(format, args...)}
}

func fulfillmentError(code ErrorCode, err error) *FulfillmentError {
	return &FulfillmentError{Code: code, Stage: StageFulfillment, Err: err}
}

// AsFulfillmentError extracts a FulfillmentError from err.
func AsFulfillmentError(err error) (*FulfillmentError, bool) {
	var target *FulfillmentError
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// ErrorCodeOf returns the taxonomy code carried by err, or "".
func ErrorCodeOf(err error) ErrorCode {
	if fe, ok := AsFulfillmentError(err); ok {
		return fe.Code
	}
	return ""
}

var (
	// ErrInvalidInput signals the caller provided invalid data.
	ErrInvalidInput = errors.New("fulfillment: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("fulfillment: order not found")
	// ErrOrderInvalidState indicates the order cannot take the requested action.
	ErrOrderInvalidState = errors.New("fulfillment: invalid order state")
)
