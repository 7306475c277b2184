package models

import (
	"errors"
	"fmt"
)

type ValidationError struct {
	Field string
	Msg   string
}

func (e ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Msg)
	}
	return e.Msg
}

// ConflictError covers a ride that is already assigned, a closed bidding
// window, or a transition attempted from the wrong status.
type ConflictError struct {
	Msg string
}

func (e ConflictError) Error() string { return e.Msg }

type NotFoundError struct {
	Resource string
	ID       string
}

func (e NotFoundError) Error() string {
	if e.ID == "" {
		return e.Resource + " not found"
	}
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

// AuthorizationError is returned when a driver acts on a ride not assigned to them.
type AuthorizationError struct {
	DriverID string
	RideID   string
	// Msg replaces the default driver wording, e.g. for customer checks.
	Msg string
}

func (e AuthorizationError) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	return fmt.Sprintf("driver %s is not assigned to ride %s", e.DriverID, e.RideID)
}

type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e StoreUnavailableError) Error() string {
	if e.Err == nil {
		return "store unavailable: " + e.Op
	}
	return fmt.Sprintf("store unavailable: %s: %v", e.Op, e.Err)
}

func (e StoreUnavailableError) Unwrap() error { return e.Err }

type InvalidOTPError struct {
	RideID string
}

func (e InvalidOTPError) Error() string { return "invalid otp for ride " + e.RideID }

const (
	MsgAlreadyAssigned = "already assigned"
	MsgWindowExpired   = "bidding window expired"
	MsgDriverBusy      = "driver already has an active ride"
)

func IsValidation(err error) bool {
	var target ValidationError
	return errors.As(err, &target)
}

func IsConflict(err error) bool {
	var target ConflictError
	return errors.As(err, &target)
}

func IsNotFound(err error) bool {
	var target NotFoundError
	return errors.As(err, &target)
}

func IsAuthorization(err error) bool {
	var target AuthorizationError
	return errors.As(err, &target)
}

func IsStoreUnavailable(err error) bool {
	var target StoreUnavailableError
	return errors.As(err, &target)
}

func IsInvalidOTP(err error) bool {
	var target InvalidOTPError
	return errors.As(err, &target)
}
