//go:build !unix

package lease

import "errors"

func acquireFile(string, string) (Lease, error) {
	return nil, errors.New("file leases require a unix platform")
}
