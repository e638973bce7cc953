package driver

import "os"

// removeDirs removes each of dirs, ignoring a directory that was never
// created (e.g. a run that never dispatched to the backend owning it).
func removeDirs(dirs ...string) error {
	for _, d := range dirs {
		if d == "" {
			continue
		}
		if err := os.RemoveAll(d); err != nil {
			return err
		}
	}
	return nil
}
