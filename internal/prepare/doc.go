// Package prepare drives a workspace from whatever it currently holds to the
// final artifacts consumed by the index and packager.
package prepare
