package pubsub

import "time"

const (
	SubscribeAPIPath = "/subscribe"
	PublishAPIPath   = "/publish"

	ParamCallback     = "hub.callback"
	ParamMode         = "hub.mode"
	ParamTopic        = "hub.topic"
	ParamVerify       = "hub.verify"
	ParamLeaseSeconds = "hub.lease_seconds"
	ParamSecret       = "hub.secret"
	ParamVerifyToken  = "hub.verify_token"
	ParamChallenge    = "hub.challenge"
	ParamURL          = "hub.url"

	ModeSubscribe   = "subscribe"
	ModeUnsubscribe = "unsubscribe"
	ModePublish     = "publish"

	VerifySync  = "sync"
	VerifyAsync = "async"

	UserAgent = "PubHub (https://github.com/pubhub/pubhub)"

	DefaultContentType = "application/atom+xml"

	DefaultRefreshInterval = time.Minute
	DefaultRetryInterval   = time.Second * 10
	DefaultRetryCount      = 5
	DefaultMaxRedirects    = 5
)

// SubscriptionRequest is a parsed and validated POST /subscribe body.
type SubscriptionRequest struct {
	Callback     string `json:"callback"`
	Mode         string `json:"mode"`
	Topic        string `json:"topic"`
	Verify       string `json:"verify"`
	LeaseSeconds int    `json:"leaseSeconds,omitempty"`
	Secret       string `json:"secret,omitempty"`
	VerifyToken  string `json:"verifyToken,omitempty"`
}
