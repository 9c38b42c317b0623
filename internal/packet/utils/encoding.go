// Package utils holds the wire-level helpers shared by every packet type:
// MQTT remaining-length varint, length-prefixed strings, and topic
// filter/name validation.
package utils

import (
	"encoding/binary"
	"unicode/utf8"

	"github.com/fluxmq/broker/internal/er"
)

// EncodeRemainingLength encodes the remaining length field per the MQTT
// spec (up to 4 bytes, max value 268,435,455).
func EncodeRemainingLength(length int) []byte {
	if length < 0 {
		return []byte{0}
	}

	var encoded []byte
	for {
		encodedByte := byte(length % 128)
		length /= 128
		if length > 0 {
			encodedByte |= 128
		}
		encoded = append(encoded, encodedByte)
		if length == 0 || len(encoded) >= 4 {
			break
		}
	}
	return encoded
}

// ParseRemainingLength decodes the remaining length field, returning the
// decoded length and the number of bytes consumed.
func ParseRemainingLength(data []byte) (int, int, error) {
	var length int
	multiplier := 1
	var offset int

	for {
		if offset >= len(data) {
			return 0, 0, &er.Err{Context: "ParseRemainingLength", Message: er.ErrShortBuffer}
		}
		if offset >= 4 {
			return 0, 0, &er.Err{Context: "ParseRemainingLength", Message: er.ErrRemainingLengthExceeded}
		}

		encodedByte := data[offset]
		length += int(encodedByte&0x7F) * multiplier
		if length > 268435455 {
			return 0, 0, &er.Err{Context: "ParseRemainingLength", Message: er.ErrRemainingLengthExceeded}
		}

		multiplier *= 128
		offset++
		if (encodedByte & 0x80) == 0 {
			break
		}
	}

	return length, offset, nil
}

// EncodeString encodes s as a 2-byte-length-prefixed UTF-8 string.
func EncodeString(s string) []byte {
	out := make([]byte, 2+len(s))
	binary.BigEndian.PutUint16(out[:2], uint16(len(s)))
	copy(out[2:], s)
	return out
}

// ParseString parses a UTF-8 string with a 2-byte length prefix, returning
// the string and the number of bytes consumed.
func ParseString(data []byte) (string, int, error) {
	if len(data) < 2 {
		return "", 0, &er.Err{Context: "ParseString", Message: er.ErrShortBuffer}
	}

	length := binary.BigEndian.Uint16(data[0:2])
	if len(data) < int(2+length) {
		return "", 0, &er.Err{Context: "ParseString", Message: er.ErrShortBuffer}
	}

	str := string(data[2 : 2+length])
	if !utf8.ValidString(str) {
		return "", 0, &er.Err{Context: "ParseString", Message: er.ErrInvalidUTF8String}
	}

	return str, int(2 + length), nil
}

// EncodeVarInt encodes a non-negative integer using the MQTT 5 variable
// byte integer encoding, identical in shape to EncodeRemainingLength but
// named for its use inside the properties list.
func EncodeVarInt(v int) []byte {
	return EncodeRemainingLength(v)
}

// ParseVarInt decodes a variable byte integer, returning the value and
// bytes consumed.
func ParseVarInt(data []byte) (int, int, error) {
	return ParseRemainingLength(data)
}

// EncodePacketID encodes a 16-bit packet id.
func EncodePacketID(packetID uint16) []byte {
	out := make([]byte, 2)
	binary.BigEndian.PutUint16(out, packetID)
	return out
}

// ParsePacketID parses a 16-bit packet id, rejecting the reserved value 0.
func ParsePacketID(data []byte) (uint16, error) {
	if len(data) < 2 {
		return 0, &er.Err{Context: "ParsePacketID", Message: er.ErrShortBuffer}
	}
	packetID := binary.BigEndian.Uint16(data[0:2])
	if packetID == 0 {
		return 0, &er.Err{Context: "ParsePacketID", Message: er.ErrInvalidPacketID}
	}
	return packetID, nil
}

// ValidateTopicFilter validates a SUBSCRIBE/UNSUBSCRIBE topic filter,
// including wildcard placement rules.
func ValidateTopicFilter(topicFilter string) error {
	if topicFilter == "" {
		return &er.Err{Context: "ValidateTopicFilter", Message: er.ErrEmptyTopicFilter}
	}
	if !utf8.ValidString(topicFilter) {
		return &er.Err{Context: "ValidateTopicFilter", Message: er.ErrInvalidUTF8TopicFilter}
	}
	for _, r := range topicFilter {
		if r == 0 {
			return &er.Err{Context: "ValidateTopicFilter", Message: er.ErrNullCharacterInTopicFilter}
		}
	}
	if hasEmptyLevels(topicFilter) {
		return &er.Err{Context: "ValidateTopicFilter", Message: er.ErrEmptyTopicLevel}
	}
	return validateWildcards(topicFilter)
}

// ValidateTopicName validates a PUBLISH topic name: no wildcards allowed.
func ValidateTopicName(topicName string) error {
	if topicName == "" {
		return &er.Err{Context: "ValidateTopicName", Message: er.ErrEmptyTopic}
	}
	if !utf8.ValidString(topicName) {
		return &er.Err{Context: "ValidateTopicName", Message: er.ErrInvalidUTF8Topic}
	}
	for _, r := range topicName {
		if r == 0 {
			return &er.Err{Context: "ValidateTopicName", Message: er.ErrNullCharacterInTopic}
		}
		if (r >= 0x0001 && r <= 0x001F) || (r >= 0x007F && r <= 0x009F) {
			return &er.Err{Context: "ValidateTopicName", Message: er.ErrControlCharacterInTopic}
		}
	}
	if ContainsWildcards(topicName) {
		return &er.Err{Context: "ValidateTopicName", Message: er.ErrWildcardsNotAllowedInPublish}
	}
	if hasEmptyLevels(topicName) {
		return &er.Err{Context: "ValidateTopicName", Message: er.ErrEmptyTopicLevel}
	}
	return nil
}

func hasEmptyLevels(topic string) bool {
	for i := 0; i < len(topic)-1; i++ {
		if topic[i] == '/' && topic[i+1] == '/' {
			return true
		}
	}
	return len(topic) > 0 && topic[len(topic)-1] == '/'
}

// ContainsWildcards reports whether topic contains a + or # character.
func ContainsWildcards(topic string) bool {
	for _, c := range topic {
		if c == '+' || c == '#' {
			return true
		}
	}
	return false
}

func validateWildcards(topicFilter string) error {
	levels := SplitTopicLevels(topicFilter)
	for i, level := range levels {
		if containsRune(level, '+') && level != "+" {
			return &er.Err{Context: "ValidateTopicFilter", Message: er.ErrInvalidSingleLevelWildcard}
		}
		if containsRune(level, '#') {
			if level != "#" {
				return &er.Err{Context: "ValidateTopicFilter", Message: er.ErrInvalidMultiLevelWildcard}
			}
			if i != len(levels)-1 {
				return &er.Err{Context: "ValidateTopicFilter", Message: er.ErrMultiLevelWildcardNotLast}
			}
		}
	}
	return nil
}

func containsRune(s string, r rune) bool {
	for _, c := range s {
		if c == r {
			return true
		}
	}
	return false
}

// SplitTopicLevels splits a topic name or filter on '/'.
func SplitTopicLevels(topic string) []string {
	if topic == "" {
		return []string{}
	}
	var levels []string
	start := 0
	for i, c := range topic {
		if c == '/' {
			levels = append(levels, topic[start:i])
			start = i + 1
		}
	}
	levels = append(levels, topic[start:])
	return levels
}

// TopicMatches reports whether topicName matches topicFilter under MQTT
// wildcard rules (+ single level, # multi level trailing).
func TopicMatches(topicFilter, topicName string) bool {
	filterLevels := SplitTopicLevels(topicFilter)
	nameLevels := SplitTopicLevels(topicName)

	// The '$' prefix (e.g. $SYS) is never matched by a leading wildcard.
	if len(nameLevels) > 0 && len(nameLevels[0]) > 0 && nameLevels[0][0] == '$' {
		if len(filterLevels) == 0 {
			return false
		}
		if filterLevels[0] == "#" || filterLevels[0] == "+" {
			return false
		}
	}

	fi := 0
	for ni := 0; ni < len(nameLevels); ni++ {
		if fi >= len(filterLevels) {
			return false
		}
		switch filterLevels[fi] {
		case "#":
			return true
		case "+":
			fi++
		default:
			if filterLevels[fi] != nameLevels[ni] {
				return false
			}
			fi++
		}
	}
	if fi < len(filterLevels) && filterLevels[fi] == "#" {
		fi++
	}
	return fi == len(filterLevels)
}
