package webhook

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testTopic   = "arn:aws:sns:eu-west-2:123456789012:ses-receipts"
	testCertURL = "https://sns.eu-west-2.amazonaws.com/SimpleNotificationService-test.pem"
	hostPattern = `^sns\.[a-z0-9-]+\.amazonaws\.com$`
)

type fakeFetcher struct {
	pem   []byte
	calls atomic.Int32
	err   error
}

func (f *fakeFetcher) Fetch(ctx context.Context, certURL string) ([]byte, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.pem, nil
}

type signer struct {
	key     *rsa.PrivateKey
	certPEM []byte
}

func newSigner(t *testing.T) *signer {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "sns.amazonaws.com"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	return &signer{
		key:     key,
		certPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
	}
}

func (s *signer) sign(t *testing.T, msg *Message) {
	t.Helper()

	msg.SignatureVersion = "2"
	digest := sha256.Sum256([]byte(msg.StringToSign()))
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, digest[:])
	require.NoError(t, err)
	msg.Signature = base64.StdEncoding.EncodeToString(sig)
}

func notification(topic string) *Message {
	return &Message{
		Type:           KindNotification,
		MessageID:      "msg-1",
		TopicArn:       topic,
		Message:        `{"notificationType":"Delivery"}`,
		Timestamp:      "2024-03-01T10:00:00.000Z",
		SigningCertURL: testCertURL,
	}
}

func newTestVerifier(t *testing.T, fetcher CertificateFetcher) *Verifier {
	t.Helper()

	v, err := NewVerifier([]string{testTopic}, hostPattern, fetcher, 4, time.Hour)
	require.NoError(t, err)
	return v
}

func TestVerifierAcceptsSignedMessage(t *testing.T) {
	t.Parallel()

	s := newSigner(t)
	fetcher := &fakeFetcher{pem: s.certPEM}
	v := newTestVerifier(t, fetcher)

	msg := notification(testTopic)
	s.sign(t, msg)

	require.NoError(t, v.Verify(context.Background(), msg))
	require.NoError(t, v.Verify(context.Background(), msg))
	assert.Equal(t, int32(1), fetcher.calls.Load(), "certificate must be cached")
}

func TestVerifierRejectsTopicOutsideAllowList(t *testing.T) {
	t.Parallel()

	s := newSigner(t)
	fetcher := &fakeFetcher{pem: s.certPEM}
	v := newTestVerifier(t, fetcher)

	msg := notification("arn:aws:sns:eu-west-2:999999999999:other")
	s.sign(t, msg)

	err := v.Verify(context.Background(), msg)
	assert.ErrorIs(t, err, ErrTopicNotAllowed)
	assert.ErrorIs(t, err, ErrVerification)
	assert.Zero(t, fetcher.calls.Load())
}

func TestVerifierRejectsTamperedMessage(t *testing.T) {
	t.Parallel()

	s := newSigner(t)
	v := newTestVerifier(t, &fakeFetcher{pem: s.certPEM})

	msg := notification(testTopic)
	s.sign(t, msg)
	msg.Message = `{"notificationType":"Bounce"}`

	assert.ErrorIs(t, v.Verify(context.Background(), msg), ErrInvalidSignature)
}

func TestVerifierRejectsUntrustedCertificateURL(t *testing.T) {
	t.Parallel()

	s := newSigner(t)
	v := newTestVerifier(t, &fakeFetcher{pem: s.certPEM})

	for _, certURL := range []string{
		"http://sns.eu-west-2.amazonaws.com/cert.pem",
		"https://evil.example.com/cert.pem",
		"https://sns.eu-west-2.amazonaws.com.evil.com/cert.pem",
	} {
		msg := notification(testTopic)
		msg.SigningCertURL = certURL
		s.sign(t, msg)

		assert.ErrorIs(t, v.Verify(context.Background(), msg), ErrInvalidCertURL, certURL)
	}
}

func TestVerifierRejectsMalformedEnvelope(t *testing.T) {
	t.Parallel()

	v := newTestVerifier(t, &fakeFetcher{})

	msg := notification(testTopic)
	msg.SignatureVersion = "3"
	msg.Signature = "abc"

	assert.ErrorIs(t, v.Verify(context.Background(), msg), ErrMalformedEnvelope)
	assert.ErrorIs(t, v.Verify(context.Background(), nil), ErrMalformedEnvelope)
}

func TestVerifierFetchFailure(t *testing.T) {
	t.Parallel()

	v := newTestVerifier(t, &fakeFetcher{err: errors.New("unreachable")})

	msg := notification(testTopic)
	msg.SignatureVersion = "2"
	msg.Signature = base64.StdEncoding.EncodeToString([]byte("sig"))

	assert.Error(t, v.Verify(context.Background(), msg))
}

func TestMessageUnmarshalAcceptsBothSpellings(t *testing.T) {
	t.Parallel()

	body := `{
		"Type": "SubscriptionConfirmation",
		"MessageId": "m-1",
		"Token": "tok",
		"TopicArn": "arn",
		"Message": "confirm",
		"SubscribeUrl": "https://sns.eu-west-2.amazonaws.com/?Action=ConfirmSubscription",
		"Timestamp": "2024-03-01T10:00:00.000Z",
		"SignatureVersion": "1",
		"Signature": "c2ln",
		"SigningCertUrl": "https://sns.eu-west-2.amazonaws.com/cert.pem"
	}`

	var msg Message
	require.NoError(t, json.Unmarshal([]byte(body), &msg))
	assert.Equal(t, "https://sns.eu-west-2.amazonaws.com/cert.pem", msg.SigningCertURL)
	assert.Equal(t, "https://sns.eu-west-2.amazonaws.com/?Action=ConfirmSubscription", msg.SubscribeURL)
	assert.Equal(t, "confirm", msg.Message)
	assert.Contains(t, msg.StringToSign(), "SubscribeURL\nhttps://sns.eu-west-2.amazonaws.com/?Action=ConfirmSubscription\n")
	assert.Contains(t, msg.StringToSign(), "Token\ntok\n")
}

func TestMessageUnmarshalEmbeddedObject(t *testing.T) {
	t.Parallel()

	var msg Message
	require.NoError(t, json.Unmarshal([]byte(`{"Type":"Notification","Message":{"notificationType":"Delivery"}}`), &msg))
	assert.Equal(t, `{"notificationType":"Delivery"}`, msg.Message)
}

func TestStringToSignNotification(t *testing.T) {
	t.Parallel()

	msg := notification(testTopic)
	msg.Subject = "subject"

	want := "Message\n{\"notificationType\":\"Delivery\"}\n" +
		"MessageId\nmsg-1\n" +
		"Subject\nsubject\n" +
		"Timestamp\n2024-03-01T10:00:00.000Z\n" +
		"TopicArn\n" + testTopic + "\n" +
		"Type\nNotification\n"
	assert.Equal(t, want, msg.StringToSign())
}

func TestIsKnownKind(t *testing.T) {
	t.Parallel()

	assert.True(t, IsKnownKind(KindNotification))
	assert.True(t, IsKnownKind(KindSubscriptionConfirmation))
	assert.True(t, IsKnownKind(KindUnsubscribeConfirmation))
	assert.False(t, IsKnownKind("Other"))
}

func TestHTTPClientFetchAndConfirm(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/cert.pem":
			_, _ = w.Write([]byte("pem-bytes"))
		case "/confirm":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client, err := NewHTTPClient(resty.New())
	require.NoError(t, err)

	body, err := client.Fetch(context.Background(), server.URL+"/cert.pem")
	require.NoError(t, err)
	assert.Equal(t, "pem-bytes", string(body))

	require.NoError(t, client.Confirm(context.Background(), server.URL+"/confirm"))
	assert.Error(t, client.Confirm(context.Background(), server.URL+"/missing"))
	_, err = client.Fetch(context.Background(), server.URL+"/missing")
	assert.Error(t, err)
}
