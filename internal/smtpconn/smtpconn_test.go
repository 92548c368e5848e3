package smtpconn

import (
	"flag"
	"math/rand"
	"os"
	"strconv"
	"testing"
	"time"
)

// testPort is the port test SMTP servers listen on. Picked at random from
// the 10000-65535 range unless pinned with -test.smtpport.
var testPort string

func TestMain(m *testing.M) {
	port := flag.String("test.smtpport", "random", "SMTP port to use for connections in tests")
	flag.Parse()

	testPort = *port
	if testPort == "random" {
		rand.Seed(time.Now().UnixNano())
		testPort = strconv.Itoa(rand.Intn(65536-10000) + 10000)
	}

	os.Exit(m.Run())
}
