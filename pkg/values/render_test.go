/*
Copyright 2024 Xanthus Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package values

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

const ideTemplate = `image:
  tag: "${VERSION}"
service:
  port: ${PORT}
ingress:
  host: "${SUBDOMAIN}"
extraLabels:
  app.kubernetes.io/managed-by: "${MANAGED_BY}"
`

var _ = Describe("Render", func() {
	var (
		placeholders map[string]string
		inputs       Inputs
	)

	BeforeEach(func() {
		placeholders = map[string]string{
			"VERSION":    "version.clean",
			"PORT":       "app.port",
			"SUBDOMAIN":  "app.subdomain",
			"MANAGED_BY": "'xanthus'",
		}
		inputs = Inputs{
			Version:   "v4.9.1",
			ChartName: "code-server",
			Namespace: "code-server",
			AppID:     "code-server",
			Subdomain: "ide.example.com",
			Port:      8080,
		}
	})

	It("substitutes every declared placeholder", func() {
		doc, err := Render(ideTemplate, placeholders, inputs)
		Expect(err).NotTo(HaveOccurred())
		Expect(doc.Values).To(HaveKey("image"))

		image := doc.Values["image"].(map[string]any)
		Expect(image["tag"]).To(Equal("4.9.1"))

		service := doc.Values["service"].(map[string]any)
		Expect(service["port"]).To(Equal(8080))

		ingress := doc.Values["ingress"].(map[string]any)
		Expect(ingress["host"]).To(Equal("ide.example.com"))

		labels := doc.Values["extraLabels"].(map[string]any)
		Expect(labels["app.kubernetes.io/managed-by"]).To(Equal("xanthus"))
	})

	It("assigns a stable content hash", func() {
		first, err := Render(ideTemplate, placeholders, inputs)
		Expect(err).NotTo(HaveOccurred())
		second, err := Render(ideTemplate, placeholders, inputs)
		Expect(err).NotTo(HaveOccurred())
		Expect(first.Hash).To(Equal(second.Hash))
		Expect(first.Hash).To(Equal(HashOf(first.Raw)))

		inputs.Version = "v4.10.0"
		changed, err := Render(ideTemplate, placeholders, inputs)
		Expect(err).NotTo(HaveOccurred())
		Expect(changed.Hash).NotTo(Equal(first.Hash))
	})

	It("fails when the template references an undeclared placeholder", func() {
		delete(placeholders, "MANAGED_BY")
		_, err := Render(ideTemplate, placeholders, inputs)
		var subErr *SubstitutionError
		Expect(err).To(BeAssignableToTypeOf(subErr))
		Expect(err.(*SubstitutionError).Placeholder).To(Equal("MANAGED_BY"))
	})

	It("fails when an expression cannot be evaluated", func() {
		inputs.Version = ""
		_, err := Render(ideTemplate, placeholders, inputs)
		var subErr *SubstitutionError
		Expect(err).To(BeAssignableToTypeOf(subErr))
		Expect(err.(*SubstitutionError).Placeholder).To(Equal("VERSION"))
	})

	It("rejects expressions outside the closed vocabulary", func() {
		placeholders["MANAGED_BY"] = "env.HOME"
		_, err := Render(ideTemplate, placeholders, inputs)
		var subErr *SubstitutionError
		Expect(err).To(BeAssignableToTypeOf(subErr))
	})
})

var _ = Describe("Validate", func() {
	It("accepts a consistent template and mapping", func() {
		err := Validate(ideTemplate, map[string]string{
			"VERSION":    "version",
			"PORT":       "app.port",
			"SUBDOMAIN":  "app.subdomain",
			"MANAGED_BY": "'xanthus'",
		})
		Expect(err).NotTo(HaveOccurred())
	})

	It("names the missing placeholder", func() {
		err := Validate(ideTemplate, map[string]string{
			"VERSION":   "version",
			"PORT":      "app.port",
			"SUBDOMAIN": "app.subdomain",
		})
		var subErr *SubstitutionError
		Expect(err).To(BeAssignableToTypeOf(subErr))
		Expect(err.(*SubstitutionError).Placeholder).To(Equal("MANAGED_BY"))
	})

	It("rejects unparsable expressions even when unused", func() {
		err := Validate(ideTemplate, map[string]string{
			"VERSION":    "version",
			"PORT":       "app.port",
			"SUBDOMAIN":  "app.subdomain",
			"MANAGED_BY": "'xanthus'",
			"UNUSED":     "exec('rm -rf /')",
		})
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Expression", func() {
	DescribeTable("evaluation",
		func(src string, in Inputs, want string) {
			expr, err := ParseExpression(src)
			Expect(err).NotTo(HaveOccurred())
			got, err := expr.Evaluate(in)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(Equal(want))
		},
		Entry("version", "version", Inputs{Version: "v1.3.0"}, "v1.3.0"),
		Entry("version.clean", "version.clean", Inputs{Version: "v1.3.0"}, "1.3.0"),
		Entry("version.major", "version.major", Inputs{Version: "v1.3.0"}, "1"),
		Entry("version.minor", "version.minor", Inputs{Version: "v1.3.0"}, "3"),
		Entry("version.patch", "version.patch", Inputs{Version: "v1.3.0"}, "0"),
		Entry("chart.name", "chart.name", Inputs{ChartName: "kubernetes-dashboard"}, "kubernetes-dashboard"),
		Entry("namespace", "namespace", Inputs{Namespace: "apps"}, "apps"),
		Entry("literal", "'fixed'", Inputs{}, "fixed"),
	)

	It("round-trips through String", func() {
		for _, src := range []string{"version", "chart.version", "'lit'"} {
			expr, err := ParseExpression(src)
			Expect(err).NotTo(HaveOccurred())
			Expect(expr.String()).To(Equal(src))
		}
	})
})
