package chain

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// TooManyInputsError reports the settlement service refusing a transaction
// for exceeding its input-count limit. Count is the input count the service
// reported.
type TooManyInputsError struct {
	Count int
}

func (e *TooManyInputsError) Error() string {
	return fmt.Sprintf("too many inputs: not %d", e.Count)
}

// URITooLongError reports the settlement service refusing a transaction for
// exceeding its request-size limit.
type URITooLongError struct{}

func (e *URITooLongError) Error() string {
	return "request uri too long"
}

var inputCountPattern = regexp.MustCompile(`not (\d+)`)

// classifySubmitError converts the settlement service's error text into a
// typed limit error where possible; anything unrecognized stays a plain
// error carrying the service's message.
func classifySubmitError(message string) error {
	lower := strings.ToLower(message)

	if strings.Contains(lower, "too many inputs") {
		count := 0
		if match := inputCountPattern.FindStringSubmatch(lower); match != nil {
			count, _ = strconv.Atoi(match[1])
		}
		return &TooManyInputsError{Count: count}
	}

	if strings.Contains(lower, "uri too long") ||
		strings.Contains(lower, "request-uri too large") {
		return &URITooLongError{}
	}

	return fmt.Errorf("submit rejected: %s", message)
}
