package server

import (
	"context"
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/matt-riley/blockvis/internal/evalctx"
	"github.com/matt-riley/blockvis/internal/service"
)

var errProjectUnknown = errors.New("request is not scoped to a project")

type errorMapping struct {
	target  error
	status  int
	code    codes.Code
	message string
}

// errorMappings is checked in order; the first match wins. Messages are
// fixed so internal details never reach clients.
var errorMappings = []errorMapping{
	{service.ErrInvalidAttributes, http.StatusBadRequest, codes.InvalidArgument, "invalid attributes"},
	{service.ErrInvalidSettings, http.StatusBadRequest, codes.InvalidArgument, "invalid settings"},
	{service.ErrBlockKeyRequired, http.StatusBadRequest, codes.InvalidArgument, "block key is required"},
	{service.ErrNoBlocksRequested, http.StatusBadRequest, codes.InvalidArgument, "at least one block key is required"},
	{service.ErrProjectIDRequired, http.StatusBadRequest, codes.InvalidArgument, "project id is required"},
	{evalctx.ErrInvalidFacts, http.StatusBadRequest, codes.InvalidArgument, "invalid facts"},
	{service.ErrBlockNotFound, http.StatusNotFound, codes.NotFound, "block not found"},
	{service.ErrBlockExists, http.StatusConflict, codes.AlreadyExists, "block already exists"},
	{errProjectUnknown, http.StatusUnauthorized, codes.Unauthenticated, "unauthorized"},
	{context.Canceled, http.StatusRequestTimeout, codes.Canceled, "request canceled"},
	{context.DeadlineExceeded, http.StatusGatewayTimeout, codes.DeadlineExceeded, "deadline exceeded"},
}

func lookupError(err error) errorMapping {
	for _, mapping := range errorMappings {
		if errors.Is(err, mapping.target) {
			return mapping
		}
	}
	return errorMapping{status: http.StatusInternalServerError, code: codes.Internal, message: "internal server error"}
}

func writeServiceError(w http.ResponseWriter, err error) {
	mapping := lookupError(err)
	writeJSONError(w, mapping.status, mapping.message)
}

func toGRPCError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	mapping := lookupError(err)
	return status.Error(mapping.code, mapping.message)
}
