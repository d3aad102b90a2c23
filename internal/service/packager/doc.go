// Package packager adds firmware images to the catalog manifest.
//
// It computes the image checksum, verifies the version is newer than every
// catalogued one and uploads the image through the registry to the configured
// object store before the catalog is written.
package packager
