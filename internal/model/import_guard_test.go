package model

import (
	"testing"

	"bayesfitness/testutil"
)

func TestNoStorageImports(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.StorageImport, "inference code never touches artifact or catalog storage")
}
