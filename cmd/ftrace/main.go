// Copyright 2018 Capsule8, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"flag"
	"os"

	"github.com/golang/glog"

	"github.com/capsule8/ftrace/pkg/cli"
)

func main() {
	flag.Set("logtostderr", "true")

	if err := cli.NewRootCommand(os.Stdout, os.Stderr).Execute(); err != nil {
		glog.Flush()
		glog.Fatal(err)
	}
	glog.Flush()
}
