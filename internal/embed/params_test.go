package embed

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gzipBase64(t *testing.T, s string) string {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func TestDecodeValue(t *testing.T) {
	longText := "患者因发热三天入院，伴有咳嗽咳痰。"

	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"empty", "", ""},
		{"gzip then base64", gzipBase64(t, longText), longText},
		{"plain base64", base64.StdEncoding.EncodeToString([]byte("入院记录")), "入院记录"},
		{"raw text passes through", "入院记录", "入院记录"},
		{"invalid base64 passes through", "hello world!", "hello world!"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DecodeValue(tt.raw))
		})
	}
}

// A raw value that happens to be valid base64 of binary junk must survive
// untouched rather than come back as mojibake.
func TestDecodeValueKeepsNonTextBase64(t *testing.T) {
	raw := base64.StdEncoding.EncodeToString([]byte{0xff, 0xfe, 0x80, 0x81})
	assert.Equal(t, raw, DecodeValue(raw))
}

func TestParseQuery(t *testing.T) {
	values := url.Values{}
	values.Set("app_id", "app1")
	values.Set("patient_id", "42")
	values.Set("record_type", "入院记录")
	values.Set("auto_start", "true")
	values.Set("token", "should-be-ignored")
	values.Set("sys.user_id", base64.StdEncoding.EncodeToString([]byte("dr-wang")))
	values.Set("ward", "ICU")
	values.Set("note", gzipBase64(t, "术后第三天"))

	p := ParseQuery(values)
	assert.Equal(t, "app1", p.AppID)
	assert.Equal(t, "42", p.PatientID)
	assert.Equal(t, "入院记录", p.RecordType)
	assert.True(t, p.AutoStart)
	assert.False(t, p.IsWorkflow)
	assert.Equal(t, "dr-wang", p.SysUserID)
	assert.Equal(t, map[string]string{"ward": "ICU", "note": "术后第三天"}, p.Inputs)
}

func TestParseQueryNoInputs(t *testing.T) {
	values := url.Values{}
	values.Set("app_id", "app1")

	p := ParseQuery(values)
	assert.Nil(t, p.Inputs)
}

func TestParseBody(t *testing.T) {
	body := []byte(`{
		"app_id": "app1",
		"patient_id": "42",
		"record_type": "出院记录",
		"is_workflow": true,
		"inputs": {"sys.user_id": "dr-li", "ward": "ICU"}
	}`)

	p := ParseBody(body)
	assert.Equal(t, "app1", p.AppID)
	assert.Equal(t, "42", p.PatientID)
	assert.Equal(t, "出院记录", p.RecordType)
	assert.True(t, p.IsWorkflow)
	assert.Equal(t, "dr-li", p.SysUserID)
	assert.Equal(t, map[string]string{"ward": "ICU"}, p.Inputs)
}

func TestParseBodyMalformed(t *testing.T) {
	p := ParseBody([]byte("not json"))
	assert.Empty(t, p.AppID)
	assert.Nil(t, p.Inputs)
}

func TestContextDerivesUserID(t *testing.T) {
	p := Params{AppID: "app1", PatientID: "42"}
	ctx := p.Context("sess-abc")
	assert.Equal(t, "user_app1:sess-abc", ctx.UserID)
	assert.Equal(t, "42", ctx.PatientID)

	p.SysUserID = "dr-wang"
	assert.Equal(t, "dr-wang", p.Context("sess-abc").UserID)
}
