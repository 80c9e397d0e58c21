package grpcutil

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func Error(code codes.Code, err error) error {
	return status.Error(code, err.Error())
}

func ErrorNotFound(err error) error {
	return Error(codes.NotFound, err)
}

func ErrorAlreadyExists(err error) error {
	return Error(codes.AlreadyExists, err)
}

// IsErrorNotFound reports whether err carries the gRPC NotFound code.
func IsErrorNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

// IsErrorAlreadyExists reports whether err carries the gRPC AlreadyExists code.
func IsErrorAlreadyExists(err error) bool {
	return status.Code(err) == codes.AlreadyExists
}
