// server/version.go
// Copyright(c) 2022 the cdpserver authors
// BSD licensed; see LICENSE for details.

package server

import "fmt"

const (
	ProgramName    = "cdpserver"
	ProgramVersion = "0.0.12"
	ProgramDate    = "2022-08-08"
	ProgramAuthors = "the cdpserver authors"
	ProgramLicense = "BSD 2-clause"
)

// VersionBanner is the plain-text answer to GET /Version.
func VersionBanner() string {
	return fmt.Sprintf("%s version %s (%s)\n",
		ProgramName, ProgramVersion, ProgramDate)
}

func versionDocument() versionJSON {
	return versionJSON{
		Name:    ProgramName,
		Date:    ProgramDate,
		Version: ProgramVersion,
		Authors: ProgramAuthors,
		License: ProgramLicense,
	}
}
