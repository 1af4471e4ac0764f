package common_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/pos-billing/internal/common"
)

func TestWriteErrorMapsAppError(t *testing.T) {
	rec := httptest.NewRecorder()
	common.WriteError(rec, common.NotFound("no product found with code: X1", nil).WithDetails(map[string]string{"code": "X1"}))

	require.Equal(t, http.StatusNotFound, rec.Code)
	var body struct {
		Error common.ErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "NOT_FOUND", body.Error.Code)
	require.Equal(t, "no product found with code: X1", body.Error.Message)
}

func TestWriteErrorHidesUnknownErrors(t *testing.T) {
	rec := httptest.NewRecorder()
	common.WriteError(rec, errors.New("pq: connection refused"))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NotContains(t, rec.Body.String(), "connection refused")
}

func TestNumericRoundTrip(t *testing.T) {
	for _, s := range []string{"0", "118.00", "0.125", "-3.5", "1234567.89"} {
		d := decimal.RequireFromString(s)
		require.True(t, d.Equal(common.FromNumeric(common.ToNumeric(d))), s)
	}
}

func TestUUIDHelpers(t *testing.T) {
	id := common.ToUUID("7f1c7a4e-8f3a-4b53-9c55-0e1f7a9b2d10")
	require.True(t, id.Valid)
	require.Equal(t, "7f1c7a4e-8f3a-4b53-9c55-0e1f7a9b2d10", common.UUIDString(id))
	require.False(t, common.ToUUID("nope").Valid)
	require.Equal(t, "", common.UUIDString(common.ToUUID("")))
	require.False(t, common.ToText("  ").Valid)
}
