package server_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func postJSON(path string, body any) (*http.Response, map[string]any) {
	data, err := json.Marshal(body)
	Expect(err).NotTo(HaveOccurred())
	resp, err := client.Post(testServer.URL+path, "application/json", bytes.NewReader(data))
	Expect(err).NotTo(HaveOccurred())
	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	resp.Body.Close()
	return resp, decoded
}

func createSession(workingDir string) string {
	_, decoded := postJSON("/session", map[string]string{"workingDir": workingDir})
	return decoded["id"].(string)
}

var _ = Describe("HTTP Admin Surface", func() {
	Describe("POST /session", func() {
		It("creates a session and returns its id", func() {
			resp, decoded := postJSON("/session", map[string]string{"workingDir": "/ws"})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(decoded["id"]).NotTo(BeEmpty())
		})
	})

	Describe("GET /session", func() {
		It("returns the session for a known id", func() {
			id := createSession("/ws")
			resp, err := client.Get(testServer.URL + "/session?id=" + id)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var sess map[string]any
			Expect(json.NewDecoder(resp.Body).Decode(&sess)).To(Succeed())
			Expect(sess["workingDir"]).To(Equal("/ws"))
		})

		It("404s for an unknown id", func() {
			resp, err := client.Get(testServer.URL + "/session?id=nonexistent")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("400s when id is omitted", func() {
			resp, err := client.Get(testServer.URL + "/session")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("GET /sessions", func() {
		It("lists sessions scoped to a working directory", func() {
			dir := fmt.Sprintf("/scoped-%d", GinkgoRandomSeed())
			createSession(dir)
			createSession(dir)
			createSession("/other")

			resp, err := client.Get(testServer.URL + "/sessions?workingDir=" + dir)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var items []map[string]any
			Expect(json.NewDecoder(resp.Body).Decode(&items)).To(Succeed())
			Expect(items).To(HaveLen(2))
		})
	})

	Describe("GET /session/snapshot", func() {
		It("returns the session snapshot", func() {
			id := createSession("/ws")
			resp, err := client.Get(testServer.URL + "/session/snapshot?id=" + id)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var snap map[string]any
			Expect(json.NewDecoder(resp.Body).Decode(&snap)).To(Succeed())
			Expect(snap["id"]).To(Equal(id))
		})
	})

	Describe("PUT /session/title", func() {
		It("updates the session's title", func() {
			id := createSession("/ws")
			req, _ := http.NewRequest(http.MethodPut, testServer.URL+"/session/title", bytes.NewReader(
				mustJSON(map[string]string{"id": id, "title": "Renamed Session"}),
			))
			req.Header.Set("Content-Type", "application/json")
			resp, err := client.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			resp, err = client.Get(testServer.URL + "/session?id=" + id)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			var sess map[string]any
			Expect(json.NewDecoder(resp.Body).Decode(&sess)).To(Succeed())
			Expect(sess["title"]).To(Equal("Renamed Session"))
		})
	})

	Describe("POST /generate-title", func() {
		It("falls back to a deterministic title without a live provider", func() {
			resp, decoded := postJSON("/generate-title", map[string]string{"message": "fix the login bug"})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(decoded["title"]).NotTo(BeEmpty())
		})
	})

	Describe("DELETE /session", func() {
		It("removes a session so it 404s afterward", func() {
			id := createSession("/ws")
			req, _ := http.NewRequest(http.MethodDelete, testServer.URL+"/session?id="+id, nil)
			resp, err := client.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			resp, err = client.Get(testServer.URL + "/session?id=" + id)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})
})

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	Expect(err).NotTo(HaveOccurred())
	return data
}
