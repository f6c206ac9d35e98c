package hybrid_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestHybrid(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Hybrid Suite")
}
