//go:build mage

package main

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	_ "github.com/magefile/mage/mage"
	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

var Default = Build

var vLastVersion string
var vLastCommit string
var vIsNightly bool
var vBuildVersion string

func Build() error {
	mg.Deps(GetVersion)
	fmt.Println("Build kalcast", vBuildVersion, "...")
	if err := sh.RunV("go", "mod", "tidy"); err != nil {
		return err
	}
	if err := sh.RunV("go", "build", "./..."); err != nil {
		return err
	}
	fmt.Println("Build done.")
	return nil
}

func Test() error {
	if err := os.MkdirAll("./tmp", 0755); err != nil {
		return err
	}
	if err := sh.RunV("go", "test", "./...", "-cover", "-coverprofile", "./tmp/cover.out"); err != nil {
		return err
	}
	fmt.Println("Test done.")
	return nil
}

func Cover() error {
	mg.Deps(Test)
	return sh.RunV("go", "tool", "cover", "-html", "./tmp/cover.out", "-o", "./tmp/cover.html")
}

func Vet() error {
	return sh.RunV("go", "vet", "./...")
}

func Tidy() error {
	return sh.RunV("go", "mod", "tidy")
}

// Stamp prints the linker flags that embed version information into a
// binary linking this module.
func Stamp() error {
	mg.Deps(GetVersion)

	mod := "github.com/kalcast/kalcast"
	gitSHA := vLastCommit[0:8]
	goVersion := strings.TrimPrefix(runtime.Version(), "go")
	timestamp := time.Now().Format("2006-01-02T15:04:05")

	ldflags := strings.Join([]string{
		"-X", fmt.Sprintf("%s.goVersionString=%s", mod, goVersion),
		"-X", fmt.Sprintf("%s.versionString=%s", mod, vBuildVersion),
		"-X", fmt.Sprintf("%s.versionGitSHA=%s", mod, gitSHA),
		"-X", fmt.Sprintf("%s.buildTimestamp=%s", mod, timestamp),
	}, " ")
	fmt.Println(ldflags)
	return nil
}

// GetVersion derives the build version from the most recent release tag
// and the HEAD commit. Untagged repositories build as a v0.0.0 nightly.
func GetVersion() error {
	repo, err := git.PlainOpen(".")
	if err != nil {
		return err
	}
	head, err := repo.Head()
	if err != nil {
		return err
	}
	commit, err := repo.CommitObject(head.Hash())
	if err != nil {
		return err
	}
	vLastCommit = commit.Hash.String()

	tag, tagCommit, err := latestTag(repo)
	if err != nil {
		return err
	}
	if tag == nil {
		vLastVersion = "v0.0.0"
		vIsNightly = true
	} else {
		vLastVersion = tag.Name
		vIsNightly = tagCommit.Hash.String() != vLastCommit
	}

	ver, err := semver.NewVersion(vLastVersion)
	if err != nil {
		return err
	}
	if vIsNightly {
		vBuildVersion = fmt.Sprintf("v%d.%d.%d-snapshot", ver.Major(), ver.Minor(), ver.Patch()+1)
	} else {
		vBuildVersion = fmt.Sprintf("v%d.%d.%d", ver.Major(), ver.Minor(), ver.Patch())
	}
	return nil
}

func latestTag(repo *git.Repository) (*object.Tag, *object.Commit, error) {
	iter, err := repo.TagObjects()
	if err != nil {
		return nil, nil, err
	}
	var (
		last       *object.Tag
		lastCommit *object.Commit
	)
	err = iter.ForEach(func(tag *object.Tag) error {
		c, err := tag.Commit()
		if err != nil {
			return err
		}
		if last == nil || c.Committer.When.After(lastCommit.Committer.When) {
			last, lastCommit = tag, c
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return last, lastCommit, nil
}
