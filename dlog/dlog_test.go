package dlog

import (
	"testing"
)

func TestEnabledDefaultsFalseForUnlistedFacility(t *testing.T) {
	if Enabled("some-facility-nobody-enabled") {
		t.Fatal("Enabled should be false when SLSKTRACE does not name the facility")
	}
}

func TestDefaultReturnsSharedLoggerPerFacility(t *testing.T) {
	a := Default("test-facility-a")
	b := Default("test-facility-a")
	if a != b {
		t.Fatal("Default should return the same *Logger instance for the same facility")
	}
	other := Default("test-facility-b")
	if other == a {
		t.Fatal("Default should return distinct loggers for distinct facilities")
	}
}

func TestAddHandlerReceivesEmittedLines(t *testing.T) {
	l := Default("test-facility-handler")
	received := make(chan string, 1)
	l.AddHandler(func(level, facility, msg string) {
		received <- level + ":" + facility + ":" + msg
	})
	l.Debugf("value=%d", 42)

	select {
	case got := <-received:
		if got != "DEBUG:test-facility-handler:value=42" {
			t.Fatalf("got %q", got)
		}
	default:
		t.Fatal("handler was not invoked synchronously by Debugf")
	}
}
