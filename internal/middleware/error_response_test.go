package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/authrelay/internal/model"
)

// TestWriteErrorResponse_WritesUnifiedFormat は統一エラーフォーマットでレスポンスが書き込まれることを検証する。
func TestWriteErrorResponse_WritesUnifiedFormat(t *testing.T) {
	w := httptest.NewRecorder()

	WriteErrorResponse(w, http.StatusBadRequest, model.NewValidationError("email", "Invalid email address"))

	resp := w.Result()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/json")
	}

	var body ErrorResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}

	if body.Error.Code != model.ErrCodeValidation {
		t.Errorf("code = %q, want %q", body.Error.Code, model.ErrCodeValidation)
	}
	if body.Error.Message != "Invalid email address" {
		t.Errorf("message = %q", body.Error.Message)
	}
	if body.Error.Field != "email" {
		t.Errorf("field = %q, want %q", body.Error.Field, "email")
	}
}

// TestWriteErrorResponse_OmitsEmptyField はFieldが空の場合にfieldキーを出力しないことを検証する。
func TestWriteErrorResponse_OmitsEmptyField(t *testing.T) {
	w := httptest.NewRecorder()

	WriteErrorResponse(w, http.StatusUnauthorized, model.NewInvalidCredentialsError())

	var raw map[string]map[string]any
	if err := json.NewDecoder(w.Result().Body).Decode(&raw); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	if _, ok := raw["error"]["field"]; ok {
		t.Error("field should be omitted when empty")
	}
	if raw["error"]["message"] != "Invalid email or password" {
		t.Errorf("message = %v", raw["error"]["message"])
	}
}

// TestWriteInternalServerError は内部エラーレスポンスが詳細を含まないことを検証する。
func TestWriteInternalServerError(t *testing.T) {
	w := httptest.NewRecorder()

	WriteInternalServerError(w)

	resp := w.Result()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusInternalServerError)
	}

	var body ErrorResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	if body.Error.Code != model.ErrCodeInternal {
		t.Errorf("code = %q, want %q", body.Error.Code, model.ErrCodeInternal)
	}
}

// TestWriteReasonResponse は {"error": reason} 形式を検証する。
func TestWriteReasonResponse(t *testing.T) {
	w := httptest.NewRecorder()

	WriteReasonResponse(w, http.StatusForbidden, ReasonBrowserAccess)

	resp := w.Result()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusForbidden)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	if body["error"] != "browser access not allowed" {
		t.Errorf("error = %q", body["error"])
	}
}
