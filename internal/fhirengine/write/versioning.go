package write

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/couchbaselabs/couchbase-fhir-ce/internal/platform/fhirerr"
)

// SetVersionHeaders sets ETag and Last-Modified headers on the response.
func SetVersionHeaders(c echo.Context, versionID int, lastModified string) {
	c.Response().Header().Set("ETag", FormatETag(versionID))
	if lastModified != "" {
		c.Response().Header().Set("Last-Modified", lastModified)
	}
}

// CheckIfMatch validates the If-Match header against the current version.
// Returns 0, nil if no If-Match header is present (unconditional update).
// Returns the expected version if the header is present and matches.
// A version mismatch or malformed header produces a funneled fhirerr so it
// renders as an OperationOutcome through the shared HTTP error handler.
func CheckIfMatch(c echo.Context, currentVersion int) (int, error) {
	ifMatch := c.Request().Header.Get("If-Match")
	if ifMatch == "" {
		return 0, nil
	}

	expectedVersion, err := ParseETag(ifMatch)
	if err != nil {
		return 0, fhirerr.New(fhirerr.ValidationFailed, "invalid If-Match header: %v", err)
	}

	if expectedVersion != currentVersion {
		return 0, fhirerr.New(fhirerr.VersionConflict,
			"version conflict: expected version %d but resource is at version %d", expectedVersion, currentVersion)
	}

	return expectedVersion, nil
}

// ParseETag extracts the version number from an ETag value like W/"3" or "3".
func ParseETag(etag string) (int, error) {
	etag = strings.TrimSpace(etag)
	etag = strings.TrimPrefix(etag, "W/")
	etag = strings.Trim(etag, `"`)

	v, err := strconv.Atoi(etag)
	if err != nil {
		return 0, fmt.Errorf("ETag must contain a numeric version: %s", etag)
	}
	return v, nil
}

// FormatETag creates a weak ETag from a version ID.
func FormatETag(versionID int) string {
	return fmt.Sprintf(`W/"%d"`, versionID)
}

// CheckIfNoneMatch reports whether the client's If-None-Match version
// matches currentVersion, in which case the caller should respond 304.
func CheckIfNoneMatch(c echo.Context, currentVersion int) bool {
	ifNoneMatch := c.Request().Header.Get("If-None-Match")
	if ifNoneMatch == "" {
		return false
	}

	clientVersion, err := ParseETag(ifNoneMatch)
	if err != nil {
		return false
	}

	return clientVersion == currentVersion
}
