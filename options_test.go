package kadcast

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/opd-ai/kadcast/transport"
)

func TestDefaultOptionsAreValid(t *testing.T) {
	assert.NoError(t, DefaultOptions().validate())
}

func TestOptionsValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Options)
	}{
		{"missing listen address", func(o *Options) { o.ListenAddr = "" }},
		{"zero bucket size", func(o *Options) { o.BucketSize = 0 }},
		{"zero beta", func(o *Options) { o.Beta = 0 }},
		{"datagram smaller than overhead", func(o *Options) { o.MaxDatagramSize = transport.BroadcastOverhead }},
		{"zero seen cache", func(o *Options) { o.SeenCacheSize = 0 }},
		{"zero incoming buffer", func(o *Options) { o.IncomingBuffer = 0 }},
		{"zero concurrent sends", func(o *Options) { o.MaxConcurrentSends = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts := DefaultOptions()
			tc.mutate(&opts)
			assert.Error(t, opts.validate())
		})
	}
}
