package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aquavend/internal/domain"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeSMS struct {
	to, msg string
	calls   int
	err     error
}

func (f *fakeSMS) Send(_ context.Context, to, message string) error {
	f.calls++
	f.to, f.msg = to, message
	return f.err
}

type fakeEmail struct {
	to, subject, body string
	calls             int
	err               error
}

func (f *fakeEmail) Send(_ context.Context, to, subject, body string) error {
	f.calls++
	f.to, f.subject, f.body = to, subject, body
	return f.err
}

func TestTokenIssuedSMS(t *testing.T) {
	sms := &fakeSMS{}
	d := NewDispatcher(sms, nil, time.Second, discard)

	amount := decimal.RequireFromString("250")
	ok := d.TokenIssued(context.Background(), TokenNotice{
		TokenType:  domain.TokenVending,
		MeterID:    "58000185726",
		TokenValue: "1234-5678",
		Amount:     &amount,
		Phone:      "254712345678",
	})

	assert.True(t, ok)
	assert.Equal(t, "254712345678", sms.to)
	assert.Equal(t, "Your water token for meter 58000185726 is: 1234-5678. Amount: KES 250.00", sms.msg)
}

func TestTokenIssuedTemplates(t *testing.T) {
	tests := []struct {
		tokenType domain.TokenType
		want      string
	}{
		{domain.TokenClearCredit, "Your clear credit token for meter m1 is: T1"},
		{domain.TokenClearTamper, "Your clear tamper token for meter m1 is: T1"},
	}
	for _, tt := range tests {
		t.Run(string(tt.tokenType), func(t *testing.T) {
			sms := &fakeSMS{}
			d := NewDispatcher(sms, nil, time.Second, discard)
			require.True(t, d.TokenIssued(context.Background(), TokenNotice{
				TokenType: tt.tokenType, MeterID: "m1", TokenValue: "T1", Phone: "0712345678",
			}))
			assert.Equal(t, tt.want, sms.msg)
		})
	}
}

func TestTokenIssuedAnyChannelCounts(t *testing.T) {
	sms := &fakeSMS{err: errors.New("gateway down")}
	email := &fakeEmail{}
	d := NewDispatcher(sms, email, time.Second, discard)

	ok := d.TokenIssued(context.Background(), TokenNotice{
		TokenType: domain.TokenVending, MeterID: "m1", TokenValue: "T1",
		Phone: "0712345678", Email: "jane@example.com", CustomerName: "Jane",
	})

	assert.True(t, ok)
	assert.Equal(t, 1, sms.calls)
	assert.Equal(t, "Token Issued Successfully", email.subject)
	assert.Contains(t, email.body, "Hello Jane")
	assert.Contains(t, email.body, "T1")
	assert.Contains(t, email.body, "Amount: KES 0")
}

func TestTokenIssuedAllChannelsFail(t *testing.T) {
	sms := &fakeSMS{err: errors.New("gateway down")}
	email := &fakeEmail{err: errors.New("smtp down")}
	d := NewDispatcher(sms, email, time.Second, discard)

	ok := d.TokenIssued(context.Background(), TokenNotice{
		TokenType: domain.TokenVending, MeterID: "m1", TokenValue: "T1",
		Phone: "0712345678", Email: "jane@example.com",
	})
	assert.False(t, ok)
}

func TestTokenIssuedNoRecipient(t *testing.T) {
	sms := &fakeSMS{}
	d := NewDispatcher(sms, nil, time.Second, discard)
	assert.False(t, d.TokenIssued(context.Background(), TokenNotice{MeterID: "m1", TokenValue: "T1"}))
	assert.Zero(t, sms.calls)
}

func TestMeterAlert(t *testing.T) {
	t.Run("sms and email", func(t *testing.T) {
		sms, email := &fakeSMS{}, &fakeEmail{}
		d := NewDispatcher(sms, email, time.Second, discard)

		ok := d.MeterAlert(context.Background(), AlertNotice{
			Kind:         SMSTamperAlert,
			MeterID:      "m7",
			CustomerName: "Wanjiku",
			Phone:        "0712345678",
			Email:        "wanjiku@example.com",
		})
		assert.True(t, ok)
		assert.Equal(t, "ALERT: Tamper detected on meter m7. Contact support.", sms.msg)
		assert.Equal(t, "Alert Notification", email.subject)
		assert.Contains(t, email.body, "Hello Wanjiku")
		assert.Contains(t, email.body, "Tamper detected on meter m7")
	})

	t.Run("email rescues failed sms", func(t *testing.T) {
		sms, email := &fakeSMS{err: errors.New("gateway down")}, &fakeEmail{}
		d := NewDispatcher(sms, email, time.Second, discard)
		assert.True(t, d.MeterAlert(context.Background(), AlertNotice{
			Kind: SMSLowBalance, MeterID: "m7", Phone: "0712345678", Email: "a@example.com",
		}))
		assert.Equal(t, 1, email.calls)
	})

	t.Run("unknown kind", func(t *testing.T) {
		sms := &fakeSMS{}
		d := NewDispatcher(sms, nil, time.Second, discard)
		assert.False(t, d.MeterAlert(context.Background(), AlertNotice{Kind: "nope", MeterID: "m7", Phone: "0712345678"}))
		assert.Zero(t, sms.calls)
	})
}

func TestAfricasTalkingSender(t *testing.T) {
	var form map[string]string
	var apiKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		apiKey = r.Header.Get("apiKey")
		form = map[string]string{
			"username": r.PostForm.Get("username"),
			"to":       r.PostForm.Get("to"),
			"message":  r.PostForm.Get("message"),
			"from":     r.PostForm.Get("from"),
		}
		if r.PostForm.Get("to") == "+254700000000" {
			_, _ = w.Write([]byte(`{"SMSMessageData":{"Message":"Sent to 0/1","Recipients":[{"number":"+254700000000","status":"InvalidPhoneNumber","statusCode":403}]}}`))
			return
		}
		_, _ = w.Write([]byte(`{"SMSMessageData":{"Message":"Sent to 1/1","Recipients":[{"number":"+254712345678","status":"Success","statusCode":101,"messageId":"ATX1"}]}}`))
	}))
	defer srv.Close()

	s, err := NewAfricasTalkingSender(AfricasTalkingConfig{
		BaseURL: srv.URL, Username: "sandbox", APIKey: "k", SenderID: "AQUA", Timeout: time.Second,
	}, discard)
	require.NoError(t, err)

	require.NoError(t, s.Send(context.Background(), "0712345678", "hello"))
	assert.Equal(t, "k", apiKey)
	assert.Equal(t, map[string]string{"username": "sandbox", "to": "+254712345678", "message": "hello", "from": "AQUA"}, form)

	err = s.Send(context.Background(), "+254700000000", "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "InvalidPhoneNumber")
}

func TestNewSMSSender(t *testing.T) {
	s, err := NewSMSSender(Config{SMSProvider: "log"}, discard)
	require.NoError(t, err)
	assert.IsType(t, &LogSender{}, s)

	_, err = NewSMSSender(Config{SMSProvider: "africastalking"}, discard)
	assert.Error(t, err)

	_, err = NewSMSSender(Config{SMSProvider: "pigeon"}, discard)
	assert.Error(t, err)
}

func TestSMTPSender(t *testing.T) {
	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg string
	s := NewSMTPSender(SMTPConfig{Host: "mail.local", Port: 2525, Sender: "noreply@aquavend.test"}, discard)
	s.sendMail = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, string(msg)
		return nil
	}

	require.NoError(t, s.Send(context.Background(), "jane@example.com", "Token Issued Successfully", "body"))
	assert.Equal(t, "mail.local:2525", gotAddr)
	assert.Equal(t, "noreply@aquavend.test", gotFrom)
	assert.Equal(t, []string{"jane@example.com"}, gotTo)
	assert.True(t, strings.HasSuffix(gotMsg, "\r\n\r\nbody"))
	assert.Contains(t, gotMsg, "Subject: Token Issued Successfully\r\n")

	assert.Error(t, s.Send(context.Background(), "jane@example.com\r\nBcc: x@y", "s", "b"))
}

func TestInternationalPhone(t *testing.T) {
	assert.Equal(t, "+254712345678", InternationalPhone("0712 345 678"))
	assert.Equal(t, "+254712345678", InternationalPhone("254712345678"))
	assert.Equal(t, "+254712345678", InternationalPhone("+254712345678"))
	assert.Equal(t, "", InternationalPhone(""))
}
