package relayer

import "errors"

// One sentinel per precondition. Every failure aborts the whole call; the
// caller inspects the kind and decides whether to retry (e.g. the oracle
// period has not elapsed yet) or abandon the order.
var (
	ErrMissingFactoryWhitelist = errors.New("relayer: missing factory whitelist")
	ErrCallerNotOwner          = errors.New("relayer: caller not owner")
	ErrInvalidFactory          = errors.New("relayer: invalid factory")
	ErrInvalidPair             = errors.New("relayer: invalid pair")
	ErrInvalidTokenAmount      = errors.New("relayer: invalid token amount")
	ErrInvalidTolerance        = errors.New("relayer: invalid tolerance")
	ErrInvalidDeadline         = errors.New("relayer: invalid deadline")
	ErrDeadlineReached         = errors.New("relayer: deadline reached")
	ErrDeadlineNotReached      = errors.New("relayer: deadline not reached")
	ErrInsufficientNative      = errors.New("relayer: insufficient native balance")
	ErrInsufficientTokenIn     = errors.New("relayer: insufficient token in balance")
	ErrUnknownPair             = errors.New("relayer: unknown pair")
	ErrInvalidOrder            = errors.New("relayer: invalid order")
	ErrObservationRunning      = errors.New("relayer: observation running")
	ErrOrderExecuted           = errors.New("relayer: order executed")
	ErrOrderClosed             = errors.New("relayer: order closed")
	ErrInsufficientReserve     = errors.New("relayer: insufficient reserve")
	ErrInsufficientBalance     = errors.New("relayer: insufficient free balance")
)
