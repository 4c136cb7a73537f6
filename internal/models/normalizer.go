package models

import (
	"strings"
	"unicode"
)

// NormalizeKey lower-cases s, trims it and collapses whitespace runs into a single underscore.
func NormalizeKey(s string) string {
	fields := strings.FieldsFunc(s, unicode.IsSpace)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(strings.Join(fields, "_"))
}

// PartitionKey builds the bus key for a comic record: publisher|series|importId.
// Records of one series land on one partition, preserving their order.
func PartitionKey(publisher, series, importID string) string {
	return NormalizeKey(publisher) + "|" + NormalizeKey(series) + "|" + importID
}

// DeadLetterKey builds the bus key for a dead letter of the given import
func DeadLetterKey(importID string) string {
	return "dead|" + importID
}
