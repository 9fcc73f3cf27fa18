package core

// # Error Codes Reference
//
// Errors shown to operators carry a code for quick diagnosis. Typed errors
// are classified first with errors.As/errors.Is; anything else falls back to
// case-insensitive substring patterns.
//
// # Quota Errors (QTA001-QTA099)
//
//	QTA001 - Daily quota exhausted for a request class
//	         Action: Wait for the next UTC day or raise the quota setting
//	QTA002 - Quota state file could not be read or written
//	         Action: Check RATE_STATE_FILE permissions and contents
//
// # Network Errors (NET001-NET099)
//
//	NET001 - The API could not be reached
//	NET002 - The API refused the credentials (401/403)
//	NET003 - The API is throttling or unavailable (429/5xx)
//	NET004 - The API rejected the request parameters (other 4xx)
//	NET005 - The API acknowledged an async request with errors
//
// # Schema Errors (SCH001-SCH099)
//
//	SCH001 - A later file's columns differ from the established table
//	SCH002 - The destination table could not be created
//
// # Load Errors (LOAD001-LOAD099)
//
//	LOAD001 - A batch insert failed; earlier batches stay committed
//	LOAD002 - A row's field count differs from the header
//	LOAD003 - No CSV files were found
//	LOAD004 - A file has no header
//	LOAD005 - Unable to connect to the database
//	LOAD006 - No downloaded archive was found
//
// # Configuration Errors (CFG001)
//
//	CFG001 - Missing or invalid environment setting
//
// # Other (ERR001-ERR002, ERR000)
//
//	ERR001 - Cancelled by signal
//	ERR002 - Timed out
//	ERR000 - Unexpected error; check the logs for the technical error

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/JonMunkholm/wtkpipe/internal/config"
	"github.com/JonMunkholm/wtkpipe/internal/loader"
	"github.com/JonMunkholm/wtkpipe/internal/nrel"
	"github.com/JonMunkholm/wtkpipe/internal/ratelimit"
)

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string `json:"message"` // What happened
	Action  string `json:"action"`  // What to do about it
	Code    string `json:"code"`    // Error code for support reference
}

var (
	msgQuotaExceeded = UserMessage{
		Message: "Daily API quota exhausted",
		Action:  "Wait for the next UTC day or raise CSV_DAILY_QUOTA/NONCSV_DAILY_QUOTA",
		Code:    "QTA001",
	}
	msgQuotaState = UserMessage{
		Message: "Quota state could not be read or saved",
		Action:  "Check RATE_STATE_FILE permissions and that it holds valid JSON",
		Code:    "QTA002",
	}
	msgNetwork = UserMessage{
		Message: "The NREL API could not be reached",
		Action:  "Check network connectivity and NREL_BASE_URL",
		Code:    "NET001",
	}
	msgAuth = UserMessage{
		Message: "The NREL API refused the request credentials",
		Action:  "Check NREL_API_KEY and USER_EMAIL",
		Code:    "NET002",
	}
	msgThrottled = UserMessage{
		Message: "The NREL API is throttling or unavailable",
		Action:  "Try again later",
		Code:    "NET003",
	}
	msgBadRequest = UserMessage{
		Message: "The NREL API rejected the request",
		Action:  "Check WKT, ATTRIBUTES, YEARS and INTERVAL",
		Code:    "NET004",
	}
	msgAsyncRejected = UserMessage{
		Message: "The NREL API acknowledged the request with errors",
		Action:  "Review the saved acknowledgment for details",
		Code:    "NET005",
	}
	msgSchemaMismatch = UserMessage{
		Message: "CSV columns differ from the destination table",
		Action:  "Load files with matching headers or set LOAD_SCHEMA_POLICY=first-file",
		Code:    "SCH001",
	}
	msgSchemaCreation = UserMessage{
		Message: "The destination table could not be created",
		Action:  "Check database permissions and DB_TABLE",
		Code:    "SCH002",
	}
	msgBatchInsert = UserMessage{
		Message: "A batch insert failed; earlier batches remain committed",
		Action:  "Check the logs for the failing batch and row range",
		Code:    "LOAD001",
	}
	msgRowShape = UserMessage{
		Message: "A row's field count differs from the header",
		Action:  "Fix the file or set LOAD_ROW_POLICY=repair",
		Code:    "LOAD002",
	}
	msgNoFiles = UserMessage{
		Message: "No CSV files were found",
		Action:  "Check the directory or run a download first",
		Code:    "LOAD003",
	}
	msgEmptyFile = UserMessage{
		Message: "A CSV file has no header",
		Action:  "Remove or replace the empty file",
		Code:    "LOAD004",
	}
	msgNoArchive = UserMessage{
		Message: "No downloaded archive was found",
		Action:  "Run fetch with the acknowledgment's download URL first",
		Code:    "LOAD006",
	}
	msgConfig = UserMessage{
		Message: "Configuration is missing or invalid",
		Action:  "Check the environment variables named in the log",
		Code:    "CFG001",
	}
	msgCancelled = UserMessage{
		Message: "Operation was cancelled",
		Action:  "Run the command again when ready",
		Code:    "ERR001",
	}
	msgTimeout = UserMessage{
		Message: "Operation timed out",
		Action:  "Try again or raise NREL_TIMEOUT",
		Code:    "ERR002",
	}
)

// errorPattern defines a pattern to match and its corresponding user message.
type errorPattern struct {
	pattern string
	msg     UserMessage
}

// errorPatterns catch untyped errors, mostly from database drivers.
// The first matching pattern wins.
var errorPatterns = []errorPattern{
	{pattern: "connection refused", msg: UserMessage{
		Message: "Unable to connect to database",
		Action:  "Check the database is running and DATABASE_URL/MYSQL_* settings",
		Code:    "LOAD005",
	}},
	{pattern: "access denied", msg: UserMessage{
		Message: "The database refused the credentials",
		Action:  "Check MYSQL_USER/MYSQL_PASSWORD or DATABASE_URL",
		Code:    "LOAD005",
	}},
	{pattern: "password authentication failed", msg: UserMessage{
		Message: "The database refused the credentials",
		Action:  "Check DATABASE_URL",
		Code:    "LOAD005",
	}},
	{pattern: "context canceled", msg: msgCancelled},
	{pattern: "deadline exceeded", msg: msgTimeout},
	{pattern: "timeout", msg: msgTimeout},
}

// defaultMessage is returned when nothing matches (ERR000).
var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Check the logs for the technical error",
	Code:    "ERR000",
}

// MapError converts a technical error to a user-friendly message.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	var (
		transport *nrel.TransportError
		batch     *loader.BatchInsertError
		creation  *loader.SchemaCreationError
		shape     *loader.RowShapeError
	)
	switch {
	case errors.Is(err, ratelimit.ErrQuotaExceeded):
		return msgQuotaExceeded
	case errors.Is(err, context.Canceled):
		return msgCancelled
	case errors.Is(err, ratelimit.ErrState):
		return msgQuotaState
	case errors.Is(err, config.ErrInvalid):
		return msgConfig
	case errors.Is(err, nrel.ErrRequestRejected):
		return msgAsyncRejected
	case errors.As(err, &transport):
		return mapTransport(transport)
	case errors.Is(err, loader.ErrSchemaMismatch):
		return msgSchemaMismatch
	case errors.As(err, &creation):
		return msgSchemaCreation
	case errors.As(err, &shape):
		return msgRowShape
	case errors.As(err, &batch):
		return msgBatchInsert
	case errors.Is(err, loader.ErrNoFiles):
		return msgNoFiles
	case errors.Is(err, loader.ErrEmptyFile):
		return msgEmptyFile
	case errors.Is(err, ErrNoArchive):
		return msgNoArchive
	case errors.Is(err, context.DeadlineExceeded):
		return msgTimeout
	}

	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}
	return defaultMessage
}

func mapTransport(e *nrel.TransportError) UserMessage {
	switch {
	case e.StatusCode == 0:
		if errors.Is(e.Err, context.DeadlineExceeded) {
			return msgTimeout
		}
		return msgNetwork
	case e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden:
		return msgAuth
	case e.Temporary():
		return msgThrottled
	default:
		return msgBadRequest
	}
}

// FormatUserError creates a formatted error string for display.
// The format is: "Message (Code: XXX). Action"
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether err maps to something more specific than
// the ERR000 fallback.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}
