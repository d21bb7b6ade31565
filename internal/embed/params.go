// Package embed parses the host-page parameters an embedding client sends
// when it opens a session: the app identity, the clinical context, and the
// optionally compressed preset inputs.
package embed

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"io"
	"net/url"
	"strconv"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"github.com/mediflow-ai/chat-embed-gateway/internal/model"
)

// Params are the decoded host-page settings for one embed session.
type Params struct {
	AppID      string
	PatientID  string
	RecordType string

	// Inputs are preset prompt-variable values, raw strings keyed by
	// variable name. Values may arrive gzip+base64 encoded.
	Inputs map[string]string

	// SysUserID is the host-supplied end-user identity (the sys.user_id
	// convention). When empty the gateway derives one from the session.
	SysUserID string

	AutoStart  bool
	IsWorkflow bool
	HideAvatar bool
}

// ParseQuery decodes embed parameters from a URL query string, the shape
// hosts use when configuring the embed via iframe src.
func ParseQuery(values url.Values) Params {
	p := Params{
		AppID:      values.Get("app_id"),
		PatientID:  values.Get("patient_id"),
		RecordType: values.Get("record_type"),
		AutoStart:  parseBool(values.Get("auto_start")),
		IsWorkflow: parseBool(values.Get("is_workflow")),
		HideAvatar: parseBool(values.Get("hide_avatar")),
	}

	inputs := map[string]string{}
	for key, vals := range values {
		if len(vals) == 0 {
			continue
		}
		switch key {
		case "app_id", "patient_id", "record_type", "auto_start", "is_workflow", "hide_avatar", "token":
			continue
		case "sys.user_id":
			p.SysUserID = DecodeValue(vals[0])
		default:
			inputs[key] = DecodeValue(vals[0])
		}
	}
	if len(inputs) > 0 {
		p.Inputs = inputs
	}
	return p
}

// ParseBody decodes embed parameters from a JSON session-create body.
func ParseBody(data []byte) Params {
	body := gjson.ParseBytes(data)

	p := Params{
		AppID:      body.Get("app_id").String(),
		PatientID:  body.Get("patient_id").String(),
		RecordType: body.Get("record_type").String(),
		AutoStart:  body.Get("auto_start").Bool(),
		IsWorkflow: body.Get("is_workflow").Bool(),
		HideAvatar: body.Get("hide_avatar").Bool(),
	}

	inputs := map[string]string{}
	body.Get("inputs").ForEach(func(key, value gjson.Result) bool {
		if key.String() == "sys.user_id" {
			p.SysUserID = DecodeValue(value.String())
			return true
		}
		inputs[key.String()] = DecodeValue(value.String())
		return true
	})
	if len(inputs) > 0 {
		p.Inputs = inputs
	}
	return p
}

// Context builds the embed context for a session, deriving the end-user
// identity when the host did not supply one.
func (p Params) Context(sessionID string) model.EmbedContext {
	userID := p.SysUserID
	if userID == "" {
		userID = "user_" + p.AppID + ":" + sessionID
	}
	return model.EmbedContext{
		AppID:      p.AppID,
		PatientID:  p.PatientID,
		RecordType: p.RecordType,
		UserID:     userID,
	}
}

// DecodeValue recovers a host-encoded parameter value. Hosts may send
// values gzip-compressed then base64-encoded to fit long clinical text
// into a URL; shorter values arrive plain base64 or as raw text. Each
// decoding is attempted in turn and the raw string is the final fallback.
func DecodeValue(raw string) string {
	if raw == "" {
		return raw
	}

	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return raw
	}

	if inflated, err := gunzip(decoded); err == nil {
		return string(inflated)
	}

	// Plain base64 of something that was never text decodes "successfully"
	// into garbage; keep the original unless the result reads as UTF-8.
	if utf8.Valid(decoded) {
		return string(decoded)
	}
	return raw
}

func gunzip(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(io.LimitReader(zr, 4<<20))
}

func parseBool(raw string) bool {
	v, err := strconv.ParseBool(raw)
	return err == nil && v
}
