package delivery

import (
	"fmt"
	"strings"
)

// LogSeparator separates the record id from the payload in every delivered message.
const LogSeparator = "*_*"

// Format builds the wire message for a payload of a record.
func Format(recordID, payload string) string {
	return recordID + LogSeparator + payload
}

// Parse splits a wire message on the first separator.
func Parse(msg string) (recordID, payload string, ok bool) {
	return strings.Cut(msg, LogSeparator)
}

// Lifecycle messages sent around the output of a record.

func Started(recordID string) string { return fmt.Sprintf("Process %s Started", recordID) }

func Finished(recordID string) string { return fmt.Sprintf("The process %s is finished.", recordID) }

// Ended is always the last message of a stream.
func Ended(recordID string) string { return fmt.Sprintf("======= Process %s ended", recordID) }

func ExitCode(code int) string { return fmt.Sprintf("Exit Code: %d", code) }
