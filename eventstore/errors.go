package eventstore

import lherrors "github.com/tachyon-beep/lighthouse-sub002/infrastructure/errors"

// lhStorageErr wraps a raw filesystem error in the shared StorageIOError
// taxonomy, or returns nil unchanged.
func lhStorageErr(err error) error {
	if err == nil {
		return nil
	}
	return lherrors.StorageIOError(err)
}
