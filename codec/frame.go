// Copyright 2021-2022 The curio Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package codec

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxFrameBytes largest frame body accepted unless configured otherwise
const DefaultMaxFrameBytes = 8 * 1024 * 1024

const lengthPrefixBytes = 4

// ErrFrameTooLarge a frame length prefix exceeds the configured maximum
var ErrFrameTooLarge = errors.New("frame exceeds maximum length")

// FrameReader reads length prefixed frames off a byte stream.
//
// Each frame is a 4 byte big-endian unsigned length followed by exactly that many bytes.
type FrameReader struct {
	source   io.Reader
	maxBytes int
	prefix   [lengthPrefixBytes]byte
}

// NewFrameReader define new frame reader. A maxBytes <= 0 selects DefaultMaxFrameBytes.
func NewFrameReader(source io.Reader, maxBytes int) *FrameReader {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFrameBytes
	}
	return &FrameReader{source: source, maxBytes: maxBytes}
}

// ReadFrame read the next frame body
//
// A clean end of stream before any prefix byte returns io.EOF. A stream ending
// inside a frame returns io.ErrUnexpectedEOF.
func (r *FrameReader) ReadFrame() ([]byte, error) {
	if _, err := io.ReadFull(r.source, r.prefix[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(r.prefix[:])
	if uint64(length) > uint64(r.maxBytes) {
		return nil, fmt.Errorf(
			"frame of %d bytes (limit %d): %w", length, r.maxBytes, ErrFrameTooLarge,
		)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r.source, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return body, nil
}

// ReadJSON read the next frame and decode it into target
func (r *FrameReader) ReadJSON(target interface{}) error {
	body, err := r.ReadFrame()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, target); err != nil {
		return &DecodeError{Frame: body, Cause: err}
	}
	return nil
}

// DecodeError a complete frame arrived but its body could not be decoded
type DecodeError struct {
	Frame []byte
	Cause error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("frame decode: %s", e.Cause.Error())
}

func (e *DecodeError) Unwrap() error {
	return e.Cause
}

// IsDecodeError check whether the error came from a malformed frame body
func IsDecodeError(err error) bool {
	var target *DecodeError
	return errors.As(err, &target)
}

// FrameWriter writes length prefixed frames onto a byte stream
type FrameWriter struct {
	sink     io.Writer
	maxBytes int
}

// NewFrameWriter define new frame writer. A maxBytes <= 0 selects DefaultMaxFrameBytes.
func NewFrameWriter(sink io.Writer, maxBytes int) *FrameWriter {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFrameBytes
	}
	return &FrameWriter{sink: sink, maxBytes: maxBytes}
}

// WriteFrame write one frame. Prefix and body go out in a single write call.
func (w *FrameWriter) WriteFrame(body []byte) error {
	if len(body) > w.maxBytes {
		return fmt.Errorf(
			"frame of %d bytes (limit %d): %w", len(body), w.maxBytes, ErrFrameTooLarge,
		)
	}
	frame := make([]byte, lengthPrefixBytes+len(body))
	binary.BigEndian.PutUint32(frame[:lengthPrefixBytes], uint32(len(body)))
	copy(frame[lengthPrefixBytes:], body)
	_, err := w.sink.Write(frame)
	return err
}

// WriteJSON encode value and write it as one frame
func (w *FrameWriter) WriteJSON(value interface{}) error {
	body, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("frame encode: %w", err)
	}
	return w.WriteFrame(body)
}
