package pipemsg

import (
	"testing"
	"time"
)

func TestCheckOptions_DefaultValues(t *testing.T) {
	opts := newOptions(nil)

	if _, ok := opts.serializer.(JSONSerializer); !ok {
		t.Errorf("serializer = %T, want JSONSerializer", opts.serializer)
	}
	if opts.transport == nil {
		t.Error("transport should have default value")
	}
	if opts.address == nil {
		t.Error("address should have default value")
	}
	if opts.logger == nil {
		t.Error("logger should have default value")
	}
	if opts.responseTimeout != defaultResponseTimeout {
		t.Errorf("responseTimeout = %v, want %v", opts.responseTimeout, defaultResponseTimeout)
	}
	if opts.maximumTimeouts != defaultMaximumTimeouts {
		t.Errorf("maximumTimeouts = %d, want %d", opts.maximumTimeouts, defaultMaximumTimeouts)
	}
	if opts.writeTimeout != defaultWriteTimeout {
		t.Errorf("writeTimeout = %v, want %v", opts.writeTimeout, defaultWriteTimeout)
	}
	if opts.readBufferSize != defaultReadBufferSize {
		t.Errorf("readBufferSize = %d, want %d", opts.readBufferSize, defaultReadBufferSize)
	}
	if opts.sendBufferSize != defaultSendBufferSize {
		t.Errorf("sendBufferSize = %d, want %d", opts.sendBufferSize, defaultSendBufferSize)
	}
}

func TestCheckOptions_NegativeMaximumTimeouts(t *testing.T) {
	opts := newOptions([]Option{MaximumTimeoutsOption(-1)})

	if opts.maximumTimeouts != defaultMaximumTimeouts {
		t.Errorf("maximumTimeouts = %d, want %d", opts.maximumTimeouts, defaultMaximumTimeouts)
	}
}

func TestMaximumTimeoutsOption_Zero(t *testing.T) {
	opts := newOptions([]Option{MaximumTimeoutsOption(0)})

	if opts.maximumTimeouts != 0 {
		t.Errorf("maximumTimeouts = %d, want 0", opts.maximumTimeouts)
	}
}

func TestAddressOption(t *testing.T) {
	opts := newOptions([]Option{AddressOption(func(identity string) string {
		return "addr-" + identity
	})})

	if got := opts.address("x"); got != "addr-x" {
		t.Errorf("address(x) = %q, want %q", got, "addr-x")
	}
}

func TestOnMessageOption(t *testing.T) {
	called := false
	opt := OnMessageOption(func(Message) { called = true })

	var opts options
	opt(&opts)

	if opts.onMessage == nil {
		t.Fatal("onMessage is nil")
	}

	opts.onMessage(nil)
	if !called {
		t.Error("onMessage callback not called")
	}
}

func TestOptions_MultipleOptions(t *testing.T) {
	logger := &mockLogger{}
	serializer := JSONSerializer{}

	opts := newOptions([]Option{
		SerializerOption(serializer),
		LoggerOption(logger),
		ResponseTimeoutOption(time.Second * 45),
		MaximumTimeoutsOption(7),
		WriteTimeoutOption(time.Second),
		ReadBufferSizeOption(512),
		SendBufferSizeOption(4),
		OnReadyOption(func() {}),
		OnEndOption(func() {}),
		OnErrorOption(func(error) {}),
	})

	if opts.logger != logger {
		t.Error("logger not set")
	}
	if opts.responseTimeout != time.Second*45 {
		t.Errorf("responseTimeout = %v, want %v", opts.responseTimeout, time.Second*45)
	}
	if opts.maximumTimeouts != 7 {
		t.Errorf("maximumTimeouts = %d, want 7", opts.maximumTimeouts)
	}
	if opts.writeTimeout != time.Second {
		t.Errorf("writeTimeout = %v, want %v", opts.writeTimeout, time.Second)
	}
	if opts.readBufferSize != 512 {
		t.Errorf("readBufferSize = %d, want 512", opts.readBufferSize)
	}
	if opts.sendBufferSize != 4 {
		t.Errorf("sendBufferSize = %d, want 4", opts.sendBufferSize)
	}
	if opts.onReady == nil || opts.onEnd == nil || opts.onError == nil {
		t.Error("observers not set")
	}
}
