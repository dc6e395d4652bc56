package slog_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"testing"

	rawslog "log/slog"

	"github.com/stretchr/testify/require"

	"github.com/learnsync/learnsync/pkg/logger/slog"
)

type testMethod struct {
	fn    func(msg string, args ...any)
	level rawslog.Level
}

var (
	LogText         = "Test Log Value"
	CustomFieldName = "Somekey"
	CustomFieldVal  = "SomeVal"
)

type testLogJSON struct {
	Level string `json:"level"`
	Msg   string `json:"msg"`
	// Json field needs to match with CustomFieldName
	CustomVal any    `json:"Somekey"`
	Secret    string `json:"secret"`
}

func TestLogger(t *testing.T) {
	buffer := bytes.NewBuffer([]byte{})

	// level needs to be set to debug for log all
	handler := rawslog.NewJSONHandler(buffer, &rawslog.HandlerOptions{Level: rawslog.LevelDebug})
	logger := slog.New(handler)

	testMethods := []testMethod{
		{fn: logger.Error, level: rawslog.LevelError},
		{fn: logger.Warn, level: rawslog.LevelWarn},
		{fn: logger.Info, level: rawslog.LevelInfo},
		{fn: logger.Debug, level: rawslog.LevelDebug},
	}

	for _, v := range testMethods {
		t.Run(fmt.Sprintf("testing %s", v.level.String()), func(tAlt *testing.T) {
			checkMethod(v.fn, buffer, v.level.String(), tAlt)
		})
		buffer.Reset()
	}
}

func checkMethod(loggerFunc func(msg string, args ...any), buffer *bytes.Buffer, levelStr string, t *testing.T) {
	require.Zero(t, buffer.Len())

	loggerFunc(LogText, CustomFieldName, CustomFieldVal, "secret", "hunter2")

	testLogJSONVal := new(testLogJSON)
	err := json.Unmarshal(buffer.Bytes(), &testLogJSONVal)
	require.NoError(t, err)

	require.Equal(t, levelStr, testLogJSONVal.Level)
	require.Equal(t, LogText, testLogJSONVal.Msg)
	require.Equal(t, CustomFieldVal, testLogJSONVal.CustomVal)
	require.Equal(t, "[REDACTED]", testLogJSONVal.Secret)
}
